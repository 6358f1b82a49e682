package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(TypeAskVersionIncrease, "req-1", AskVersionIncreaseRequest{
		Files: []VersionIncreaseFile{
			{DirectoryID: "dir-1", CurrentPath: "notes.txt", Type: FileTypeFile, FirstTryTime: 12345},
		},
	})
	require.NoError(t, err)

	var decoded AskVersionIncreaseRequest
	require.NoError(t, f.Decode(&decoded))
	require.Len(t, decoded.Files, 1)
	require.Equal(t, "dir-1", decoded.Files[0].DirectoryID)
	require.Equal(t, Timestamp(12345), decoded.Files[0].FirstTryTime)
}

func TestStreamTransportSendRecv(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverT := NewStreamTransport(server)
	clientT := NewStreamTransport(client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	want, err := NewFrame(TypeOKSubscribed, "req-2", OKSubscribed{DirectoryID: "dir-9"})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- clientT.Send(ctx, want) }()

	got, err := serverT.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.RequestID, got.RequestID)

	var payload OKSubscribed
	require.NoError(t, got.Decode(&payload))
	require.Equal(t, "dir-9", payload.DirectoryID)
}

func TestStreamTransportRecvContextCancelled(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverT := NewStreamTransport(server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := serverT.Recv(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
