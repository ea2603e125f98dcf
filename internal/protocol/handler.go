package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/tidwall/redcon"

	"github.com/vinaypunrao68/fds-src-sub013/internal/metrics"
	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// ObjectStore is the local store behind the IO commands.
type ObjectStore interface {
	Put(ctx context.Context, objectID string, data []byte, volumes []uint64) (store.ObjectMeta, error)
	Delete(ctx context.Context, objectID string) (store.ObjectMeta, error)
	Get(ctx context.Context, objectID string) (*store.Object, error)
}

// Migrator is the node's migration manager.
type Migrator interface {
	Dispatch(ctx context.Context, msg *migration.Message) error
	ForwardReqIfNeeded(objectID string, reqVersion placement.Version, obj store.Object) bool
	StartMigration(plan *placement.Plan, ack migration.AckFunc, bitsPerToken uint) error
	HandleDltClose(version placement.Version) error
	AbortMigration()
	ResetAborted() error
	State() migration.State
	TargetVersion() placement.Version
	TokenStatus() []migration.TokenStatus
}

// ImportRouter answers where reads of importing tokens go.
type ImportRouter interface {
	ImportSource(objectID string) (string, bool)
	NoteLocalWrite(objectID string)
}

type argsError string

func (e argsError) Error() string {
	return "ERR wrong number of arguments for '" + string(e) + "' command"
}

var errSyntax = errors.New("syntax error")

type Handler struct {
	store  ObjectStore
	table  *placement.Table
	mgr    Migrator
	router ImportRouter
	cmdMap *cmdMap
	log    logr.Logger
}

func NewHandler(st ObjectStore, table *placement.Table, mgr Migrator, router ImportRouter, log logr.Logger) *Handler {
	h := &Handler{
		store:  st,
		table:  table,
		mgr:    mgr,
		router: router,
		log:    log.WithName("protocol"),
	}
	h.cmdMap = newCmdMap(h)
	return h
}

func (h *Handler) ExecuteBytes(ctx context.Context, conn redcon.Conn, cmdBytes []byte, args [][]byte) {
	ToUpperInPlace(cmdBytes)

	entry := h.cmdMap.Lookup(cmdBytes)
	if entry == nil {
		conn.WriteError("ERR unknown command '" + bytesToString(cmdBytes) + "'")
		return
	}

	start := time.Now()
	err := entry.handler(ctx, conn, args)
	metrics.RecordCommand(entry.metric, time.Since(start), err == nil)
	if err != nil {
		WriteErr(conn, err)
	}
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		WritePONG(conn)
	} else {
		conn.WriteBulk(args[0])
	}
	return nil
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return argsError("echo")
	}
	conn.WriteBulk(args[0])
	return nil
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) error {
	WriteOK(conn)
	conn.Close()
	return nil
}

// route reports whether this node serves objectID. A node serves an object
// it owns under the current table or, while a change is pending, under the
// target table. Otherwise it returns the node to redirect to.
func (h *Handler) route(objectID string) (local bool, token placement.Token, owner string) {
	cur, target := h.table.GetTables()
	if cur == nil {
		return true, 0, ""
	}
	self := h.table.NodeID()
	token = cur.TokenOf(objectID)
	if cur.IsOwner(token, self) {
		return true, token, ""
	}
	owners := cur.Owners(token)
	if target != nil {
		if target.IsOwner(token, self) {
			return true, token, ""
		}
		owners = target.Owners(token)
	}
	if len(owners) > 0 {
		owner = owners[0]
	}
	return false, token, owner
}

// redirect writes MOVED when objectID belongs elsewhere.
func (h *Handler) redirect(conn redcon.Conn, objectID string) bool {
	local, token, owner := h.route(objectID)
	if local {
		return false
	}
	if owner == "" {
		conn.WriteError(fmt.Sprintf("CLUSTERDOWN token %d is unowned", token))
		return true
	}
	WriteMoved(conn, token, owner)
	return true
}

func parseVersion(b []byte) (placement.Version, error) {
	v, err := strconv.ParseUint(bytesToString(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("placement version is not an integer: %w", errSyntax)
	}
	return placement.Version(v), nil
}

// cmdPut stores an object: OPUT id version data [volume ...]. The write is
// committed locally before it is offered for forwarding.
func (h *Handler) cmdPut(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) < 3 {
		return argsError("oput")
	}
	id := string(args[0])
	version, err := parseVersion(args[1])
	if err != nil {
		return err
	}
	var volumes []uint64
	for _, a := range args[3:] {
		v, err := strconv.ParseUint(bytesToString(a), 10, 64)
		if err != nil {
			return fmt.Errorf("volume id is not an integer: %w", errSyntax)
		}
		volumes = append(volumes, v)
	}
	if h.redirect(conn, id) {
		return nil
	}

	data := append([]byte(nil), args[2]...)
	meta, err := h.store.Put(ctx, id, data, volumes)
	if err != nil {
		return err
	}
	h.router.NoteLocalWrite(id)
	h.mgr.ForwardReqIfNeeded(id, version, store.Object{ID: id, Meta: meta, Data: data})
	WriteOK(conn)
	return nil
}

// cmdGet reads an object: OGET id. Objects of an importing token that have
// not arrived yet are redirected with ASK to the previous owner.
func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return argsError("oget")
	}
	id := string(args[0])
	if h.redirect(conn, id) {
		return nil
	}

	obj, err := h.store.Get(ctx, id)
	switch {
	case err == nil:
		conn.WriteBulk(obj.Data)
		return nil
	case !errors.Is(err, apperrors.ErrObjectNotFound):
		return err
	}
	if source, ok := h.router.ImportSource(id); ok {
		WriteAsk(conn, h.table.TokenOf(id), source)
		return nil
	}
	WriteNull(conn)
	return nil
}

// cmdDel deletes an object: ODEL id version. The tombstone is forwarded like
// a put.
func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) != 2 {
		return argsError("odel")
	}
	id := string(args[0])
	version, err := parseVersion(args[1])
	if err != nil {
		return err
	}
	if h.redirect(conn, id) {
		return nil
	}

	_, err = h.store.Get(ctx, id)
	existed := err == nil
	if err != nil && !errors.Is(err, apperrors.ErrObjectNotFound) {
		return err
	}
	meta, err := h.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	h.router.NoteLocalWrite(id)
	h.mgr.ForwardReqIfNeeded(id, version, store.Object{ID: id, Meta: meta})
	WriteBool(conn, existed)
	return nil
}

// cmdMeta returns version, size, hex checksum and volumes of an object.
func (h *Handler) cmdMeta(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return argsError("ometa")
	}
	id := string(args[0])
	if h.redirect(conn, id) {
		return nil
	}

	obj, err := h.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrObjectNotFound) {
		WriteNullArray(conn)
		return nil
	}
	if err != nil {
		return err
	}
	conn.WriteArray(4)
	conn.WriteUint64(obj.Meta.Version)
	conn.WriteInt64(obj.Meta.Size)
	conn.WriteBulkString(strconv.FormatUint(obj.Meta.Checksum, 16))
	conn.WriteArray(len(obj.Meta.Volumes))
	for _, v := range obj.Meta.Volumes {
		conn.WriteUint64(v)
	}
	return nil
}
