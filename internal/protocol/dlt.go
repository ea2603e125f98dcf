package protocol

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/redcon"

	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/transport"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// cmdMigMsg delivers a message from a peer's migration executor or client:
// MIGMSG payload.
func (h *Handler) cmdMigMsg(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) != 1 {
		return argsError("migmsg")
	}
	msg, err := transport.Decode(args[0])
	if err != nil {
		return err
	}
	if err := h.mgr.Dispatch(ctx, msg); err != nil {
		h.log.V(1).Info("migration message rejected", "type", msg.Type, "executor", msg.ExecutorID, "from", msg.From, "err", err)
		return err
	}
	WriteOK(conn)
	return nil
}

// cmdDLT administers the placement table:
//
//	DLT SET json        install a target table and start migrating
//	DLT CLOSE version   retire the old table
//	DLT ABORT           abort the running campaign
//	DLT RESET           leave the aborted state
//	DLT STATUS          campaign and token progress
//	DLT GET             current and target tables
func (h *Handler) cmdDLT(ctx context.Context, conn redcon.Conn, args [][]byte) error {
	if len(args) == 0 {
		return argsError("dlt")
	}
	sub := args[0]
	switch {
	case EqualFold(sub, "SET"):
		if len(args) != 2 {
			return argsError("dlt|set")
		}
		return h.dltSet(conn, args[1])
	case EqualFold(sub, "CLOSE"):
		if len(args) != 2 {
			return argsError("dlt|close")
		}
		version, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		if err := h.mgr.HandleDltClose(version); err != nil {
			return err
		}
		WriteOK(conn)
	case EqualFold(sub, "ABORT"):
		h.mgr.AbortMigration()
		WriteOK(conn)
	case EqualFold(sub, "RESET"):
		if err := h.mgr.ResetAborted(); err != nil {
			return err
		}
		WriteOK(conn)
	case EqualFold(sub, "STATUS"):
		return h.writeJSON(conn, h.status())
	case EqualFold(sub, "GET"):
		cur, target := h.table.GetTables()
		return h.writeJSON(conn, tablesView{Current: cur, Target: target})
	default:
		return fmt.Errorf("unknown DLT subcommand '%s': %w", bytesToString(sub), errSyntax)
	}
	return nil
}

func (h *Handler) dltSet(conn redcon.Conn, raw []byte) error {
	var next placement.DLT
	if err := json.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("parse dlt: %w", err)
	}
	if len(next.Tokens) != placement.TokenCount(next.BitsPerToken) {
		return fmt.Errorf("dlt has %d tokens, want %d: %w", len(next.Tokens), placement.TokenCount(next.BitsPerToken), errSyntax)
	}

	// The table only takes a target a campaign can start for.
	if state := h.mgr.State(); state != migration.StateIdle {
		return fmt.Errorf("manager is %s: %w", state, apperrors.ErrDuplicateCampaign)
	}
	_, prev := h.table.GetTables()
	plan, err := h.table.SetTarget(&next)
	if err != nil {
		return err
	}
	log := h.log.WithValues("version", next.Version)
	ack := func(err error) {
		if err != nil {
			log.Error(err, "migration campaign failed")
			return
		}
		log.Info("migration campaign complete")
	}
	if err := h.mgr.StartMigration(plan, ack, next.BitsPerToken); err != nil {
		h.table.RestoreTarget(prev)
		return err
	}
	log.Info("target dlt installed", "tokens", len(plan.Entries))
	WriteOK(conn)
	return nil
}

type tablesView struct {
	Current *placement.DLT `json:"current"`
	Target  *placement.DLT `json:"target,omitempty"`
}

type tokenView struct {
	Token   placement.Token `json:"token"`
	Sources []string        `json:"sources"`
	State   string          `json:"state"`
	Objects int64           `json:"objects"`
	Error   string          `json:"error,omitempty"`
}

type statusView struct {
	State         string            `json:"state"`
	TargetVersion placement.Version `json:"target_version"`
	Tokens        []tokenView       `json:"tokens"`
}

func (h *Handler) status() statusView {
	v := statusView{
		State:         h.mgr.State().String(),
		TargetVersion: h.mgr.TargetVersion(),
		Tokens:        []tokenView{},
	}
	for _, ts := range h.mgr.TokenStatus() {
		tv := tokenView{
			Token:   ts.Token,
			Sources: ts.Sources,
			State:   ts.State.String(),
			Objects: ts.Objects,
		}
		if ts.Err != nil {
			tv.Error = ts.Err.Error()
		}
		v.Tokens = append(v.Tokens, tv)
	}
	return v
}

func (h *Handler) writeJSON(conn redcon.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.WriteBulk(b)
	return nil
}
