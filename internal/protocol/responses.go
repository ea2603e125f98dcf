package protocol

import (
	"errors"
	"fmt"

	"github.com/tidwall/redcon"

	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// Static RESP replies written without allocation.
var (
	RespOK       = []byte("+OK\r\n")
	RespPONG     = []byte("+PONG\r\n")
	RespNil      = []byte("$-1\r\n")
	RespNilArray = []byte("*-1\r\n")
	RespZero     = []byte(":0\r\n")
	RespOne      = []byte(":1\r\n")
)

func WriteOK(conn redcon.Conn) {
	conn.WriteRaw(RespOK)
}

func WritePONG(conn redcon.Conn) {
	conn.WriteRaw(RespPONG)
}

func WriteNull(conn redcon.Conn) {
	conn.WriteRaw(RespNil)
}

func WriteNullArray(conn redcon.Conn) {
	conn.WriteRaw(RespNilArray)
}

// WriteBool writes :1 or :0.
func WriteBool(conn redcon.Conn, v bool) {
	if v {
		conn.WriteRaw(RespOne)
		return
	}
	conn.WriteRaw(RespZero)
}

// WriteMoved redirects the client to the token's owner.
func WriteMoved(conn redcon.Conn, token placement.Token, node string) {
	conn.WriteError(fmt.Sprintf("MOVED %d %s", token, node))
}

// WriteAsk sends the client to the node still holding an importing object.
func WriteAsk(conn redcon.Conn, token placement.Token, node string) {
	conn.WriteError(fmt.Sprintf("ASK %d %s", token, node))
}

// WriteErr maps err onto an error reply.
func WriteErr(conn redcon.Conn, err error) {
	var ae argsError
	switch {
	case errors.As(err, &ae):
		conn.WriteError(ae.Error())
	case errors.Is(err, apperrors.ErrDuplicateCampaign), errors.Is(err, apperrors.ErrInvalidStateTransition):
		conn.WriteError("BUSY " + err.Error())
	default:
		conn.WriteError("ERR " + err.Error())
	}
}
