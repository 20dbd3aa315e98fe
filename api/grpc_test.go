package api

import (
	"bytes"
	"context"
	"image"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"waste-inference-service/model"
)

func dialBufconn(t *testing.T, seg model.Segmenter, maxBytes int) *WasteInferenceClient {
	t.Helper()
	f := newFixture(t, seg)

	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(ServerOptions(nil)...)
	RegisterWasteInferenceServer(srv, NewWasteInferenceServer(f.svc, maxBytes, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client := NewWasteInferenceClient(conn)
	client.chunkSize = 256
	return client
}

func TestGRPC_ProcessWaste(t *testing.T) {
	client := dialBufconn(t, stubSegmenter{area: 30000}, 0)
	lat, lng := 1.5, 2.5

	out, err := client.ProcessWaste(context.Background(), UploadMeta{
		Filename:  "street.png",
		Latitude:  &lat,
		Longitude: &lng,
	}, bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)

	fields := out.AsMap()
	assert.Equal(t, 30000.0, fields["totalWasteArea"])
	assert.Equal(t, 3.0, fields["estimatedVolume"])
	assert.Equal(t, "high", fields["severityLevel"])
	assert.Equal(t, "processed_street.jpg", fields["processedFilename"])
}

func TestGRPC_ProcessWasteErrors(t *testing.T) {
	client := dialBufconn(t, stubSegmenter{area: 1}, 0)
	ctx := context.Background()

	_, err := client.ProcessWaste(ctx, UploadMeta{}, bytes.NewReader(pngBytes(t)))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ProcessWaste(ctx, UploadMeta{Filename: "a.txt"}, bytes.NewReader([]byte("definitely not an image")))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.ProcessWaste(ctx, UploadMeta{Filename: "a.png"}, bytes.NewReader(nil))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	noModel := dialBufconn(t, nil, 0)
	_, err = noModel.ProcessWaste(ctx, UploadMeta{Filename: "a.png"}, bytes.NewReader(pngBytes(t)))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_ProcessWasteTooLarge(t *testing.T) {
	client := dialBufconn(t, stubSegmenter{area: 1}, 100)

	_, err := client.ProcessWaste(context.Background(), UploadMeta{Filename: "a.png"}, bytes.NewReader(make([]byte, 4096)))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	client := dialBufconn(t, stubSegmenter{}, 0)

	out, err := client.Health(context.Background())
	require.NoError(t, err)
	fields := out.AsMap()
	assert.Equal(t, "healthy", fields["status"])
	assert.Equal(t, true, fields["model_loaded"])
	stamp, ok := fields["timestamp"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, stamp)
	assert.NoError(t, err)
	assert.NotContains(t, fields, "timestamp_seconds")
}

type panickingSegmenter struct{ stubSegmenter }

func (panickingSegmenter) Segment(ctx context.Context, img image.Image) (*model.Result, error) {
	panic("index out of range")
}

func TestGRPC_PanicBecomesInternal(t *testing.T) {
	client := dialBufconn(t, panickingSegmenter{}, 0)

	_, err := client.ProcessWaste(context.Background(), UploadMeta{Filename: "a.png"}, bytes.NewReader(pngBytes(t)))
	assert.Equal(t, codes.Internal, status.Code(err))

	out, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", out.AsMap()["status"])
}
