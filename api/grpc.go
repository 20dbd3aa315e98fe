package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"waste-inference-service/model"
	"waste-inference-service/service"
)

const (
	wasteInferenceServiceName = "wastepatrol.v1.WasteInference"
	processWasteMethod        = "/" + wasteInferenceServiceName + "/ProcessWaste"
	healthMethod              = "/" + wasteInferenceServiceName + "/Health"
)

// Request metadata keys for ProcessWaste.
const (
	MetadataFilename  = "x-filename"
	MetadataLatitude  = "x-latitude"
	MetadataLongitude = "x-longitude"
	MetadataAddress   = "x-address"
)

// WasteInference is the gRPC surface. Messages are protobuf well-known types
// so no generated code is needed.
type WasteInference interface {
	ProcessWaste(stream grpc.ServerStream) error
	Health(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var WasteInferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: wasteInferenceServiceName,
	HandlerType: (*WasteInference)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Health",
			Handler:    healthHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ProcessWaste",
			Handler:       processWasteHandler,
			ClientStreams: true,
		},
	},
	Metadata: "wastepatrol/v1/waste_inference.proto",
}

func RegisterWasteInferenceServer(s grpc.ServiceRegistrar, srv WasteInference) {
	s.RegisterService(&WasteInferenceServiceDesc, srv)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WasteInference).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: healthMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WasteInference).Health(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func processWasteHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WasteInference).ProcessWaste(stream)
}

type WasteInferenceServer struct {
	inferenceService *service.InferenceService
	maxBytes         int
	logger           *zap.Logger
}

// NewWasteInferenceServer limits streamed uploads to maxBytes.
func NewWasteInferenceServer(inferenceService *service.InferenceService, maxBytes int, logger *zap.Logger) *WasteInferenceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WasteInferenceServer{
		inferenceService: inferenceService,
		maxBytes:         maxBytes,
		logger:           logger,
	}
}

func (s *WasteInferenceServer) ProcessWaste(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	upload := service.Upload{
		Filename: firstValue(md, MetadataFilename),
		Address:  strings.TrimSpace(firstValue(md, MetadataAddress)),
	}
	var err error
	upload.Latitude, upload.Longitude, err = parseLocation(firstValue(md, MetadataLatitude), firstValue(md, MetadataLongitude))
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid coordinates")
	}

	var imageData []byte
	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		imageData = append(imageData, chunk.GetValue()...)
		if s.maxBytes > 0 && len(imageData) > s.maxBytes {
			return status.Errorf(codes.ResourceExhausted, "image exceeds %d bytes", s.maxBytes)
		}
	}
	if len(imageData) == 0 {
		return status.Error(codes.InvalidArgument, "no image data received")
	}
	upload.Content = imageData

	summary, err := s.inferenceService.Process(stream.Context(), upload)
	if err != nil {
		return grpcError(err)
	}

	response, err := toStruct(summary)
	if err != nil {
		s.logger.Error("failed to encode summary", zap.Error(err))
		return status.Error(codes.Internal, "failed to encode summary")
	}
	return stream.SendMsg(response)
}

// Health answers with the same fields as GET /health.
func (s *WasteInferenceServer) Health(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
	h := s.inferenceService.Health()
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"status":       structpb.NewStringValue(h.Status),
		"model_loaded": structpb.NewBoolValue(h.ModelLoaded),
		"timestamp":    structpb.NewStringValue(h.Timestamp.Format(time.RFC3339Nano)),
	}}, nil
}

// ServerOptions turns handler panics into codes.Internal.
func ServerOptions(logger *zap.Logger) []grpc.ServerOption {
	if logger == nil {
		logger = zap.NewNop()
	}
	unary := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer recoverPanic(logger, info.FullMethod, &err)
		return handler(ctx, req)
	}
	stream := func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer recoverPanic(logger, info.FullMethod, &err)
		return handler(srv, ss)
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary),
		grpc.ChainStreamInterceptor(stream),
	}
}

func recoverPanic(logger *zap.Logger, method string, err *error) {
	if r := recover(); r != nil {
		logger.Error("panic in gRPC handler",
			zap.String("method", method),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		*err = status.Error(codes.Internal, "internal error")
	}
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, service.ErrNoImage),
		errors.Is(err, service.ErrUnsupportedImage),
		errors.Is(err, service.ErrInvalidLocation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrModelNotLoaded):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Errorf(codes.Internal, "image processing failed: %v", err)
	}
}

// toStruct goes through JSON so the message matches the REST body.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// WasteInferenceClient calls the service over an existing connection.
type WasteInferenceClient struct {
	cc        grpc.ClientConnInterface
	chunkSize int
}

func NewWasteInferenceClient(cc grpc.ClientConnInterface) *WasteInferenceClient {
	return &WasteInferenceClient{cc: cc, chunkSize: 64 * 1024}
}

// UploadMeta is sent as request metadata.
type UploadMeta struct {
	Filename  string
	Latitude  *float64
	Longitude *float64
	Address   string
}

func (c *WasteInferenceClient) ProcessWaste(ctx context.Context, meta UploadMeta, r io.Reader, opts ...grpc.CallOption) (*structpb.Struct, error) {
	pairs := []string{MetadataFilename, meta.Filename}
	if meta.Latitude != nil && meta.Longitude != nil {
		pairs = append(pairs,
			MetadataLatitude, strconv.FormatFloat(*meta.Latitude, 'f', -1, 64),
			MetadataLongitude, strconv.FormatFloat(*meta.Longitude, 'f', -1, 64),
		)
	}
	if meta.Address != "" {
		pairs = append(pairs, MetadataAddress, meta.Address)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, pairs...)

	stream, err := c.cc.NewStream(ctx, &WasteInferenceServiceDesc.Streams[0], processWasteMethod, opts...)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, c.chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(wrapperspb.Bytes(append([]byte(nil), buf[:n]...))); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read image: %w", readErr)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *WasteInferenceClient) Health(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, healthMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
