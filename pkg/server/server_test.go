package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gbitzes/quarkdb-go/pkg/dispatcher"
	"github.com/gbitzes/quarkdb-go/pkg/resp"
)

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, _ *dispatcher.Conn, request [][]byte) resp.Reply {
	if len(request) == 0 {
		return resp.ErrReply{Message: "ERR empty"}
	}
	return string(request[0])
}

func (echoDispatcher) UnsubscribeAll(_ *dispatcher.Conn) {}

func TestServerAcceptsAndDispatches(t *testing.T) {
	srv := New("127.0.0.1:0", echoDispatcher{}, zerolog.Nop(), nil, "")
	require.NoError(t, srv.Start())
	defer srv.Stop(2 * time.Second)

	addr := srv.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "$4\r\nPING\r\n", string(buf[:n]))
}
