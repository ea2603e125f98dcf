package protocol

import (
	"context"

	"github.com/tidwall/redcon"
)

// CommandHandler runs one command. It writes its own success reply; a
// returned error is written by the caller.
type CommandHandler func(ctx context.Context, conn redcon.Conn, args [][]byte) error

type cmdEntry struct {
	name    []byte
	metric  string
	handler CommandHandler
}

// cmdMap is an open-addressing command lookup table keyed by the
// upper-cased command name.
type cmdMap struct {
	buckets [32]cmdEntry
	h       *Handler
}

func newCmdMap(h *Handler) *cmdMap {
	cm := &cmdMap{h: h}
	cm.registerAll()
	return cm
}

func (cm *cmdMap) registerAll() {
	cm.register("PING", cm.h.cmdPing)
	cm.register("ECHO", cm.h.cmdEcho)
	cm.register("QUIT", cm.h.cmdQuit)

	// Object IO
	cm.register("OPUT", cm.h.cmdPut)
	cm.register("OGET", cm.h.cmdGet)
	cm.register("ODEL", cm.h.cmdDel)
	cm.register("OMETA", cm.h.cmdMeta)

	// Peers and administration
	cm.register("MIGMSG", cm.h.cmdMigMsg)
	cm.register("DLT", cm.h.cmdDLT)
}

func (cm *cmdMap) register(name string, handler CommandHandler) {
	key := []byte(name)
	idx := HashBytes(key) & uint32(len(cm.buckets)-1)

	for i := 0; i < len(cm.buckets); i++ {
		pos := (idx + uint32(i)) & uint32(len(cm.buckets)-1)
		if cm.buckets[pos].name == nil {
			cm.buckets[pos] = cmdEntry{name: key, metric: toLowerASCII(name), handler: handler}
			return
		}
	}
	panic("cmdMap overflow")
}

// Lookup finds a command by its upper-cased name, or returns nil.
func (cm *cmdMap) Lookup(name []byte) *cmdEntry {
	idx := HashBytes(name) & uint32(len(cm.buckets)-1)

	for i := 0; i < len(cm.buckets); i++ {
		pos := (idx + uint32(i)) & uint32(len(cm.buckets)-1)
		entry := &cm.buckets[pos]
		if entry.name == nil {
			return nil
		}
		if BytesEqual(entry.name, name) {
			return entry
		}
	}
	return nil
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
