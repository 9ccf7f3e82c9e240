package grpc

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/usecase"
)

// Service and method names
const (
	ServiceName              = "iconcaptcha.v1.VerificationService"
	ValidateSubmissionMethod = "/" + ServiceName + "/ValidateSubmission"
	IssueTokenMethod         = "/" + ServiceName + "/IssueToken"
)

// Message fields
const (
	FieldSession = "session"
	FieldForm    = "form"
	FieldSuccess = "success"
	FieldCode    = "code"
	FieldMessage = "message"
	FieldToken   = "token"
)

// VerificationServer lets a backend verify a visitor's submission without
// proxying the form through the widget endpoint
type VerificationServer interface {
	ValidateSubmission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	IssueToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// VerificationService implements VerificationServer on top of the captcha usecase
type VerificationService struct {
	captchaUsecase usecase.CaptchaUsecase
}

// NewVerificationService creates a new verification service
func NewVerificationService(captchaUsecase usecase.CaptchaUsecase) *VerificationService {
	return &VerificationService{
		captchaUsecase: captchaUsecase,
	}
}

// ValidateSubmission runs the final validation for a session. Rejections are
// reported in the response, only infrastructure failures become gRPC errors.
func (s *VerificationService) ValidateSubmission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	session, err := sessionField(req)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	if raw, ok := req.GetFields()[FieldForm]; ok {
		fields := raw.GetStructValue()
		if fields == nil {
			return nil, status.Error(codes.InvalidArgument, "form must be an object")
		}
		for name, value := range fields.GetFields() {
			text, err := formValue(name, value)
			if err != nil {
				return nil, err
			}
			form.Set(name, text)
		}
	}

	err = s.captchaUsecase.ValidateSubmission(ctx, session, form)

	var rejection *domain.SubmissionError
	switch {
	case err == nil:
		return structpb.NewStruct(map[string]interface{}{
			FieldSuccess: true,
			FieldCode:    0,
			FieldMessage: "",
		})
	case errors.As(err, &rejection):
		return structpb.NewStruct(map[string]interface{}{
			FieldSuccess: false,
			FieldCode:    rejection.Code,
			FieldMessage: rejection.Message,
		})
	default:
		logger.WithError(err).WithField("session", session).Error("Verification failed")
		return nil, status.Error(codes.Internal, "failed to validate submission")
	}
}

// IssueToken returns the session's form token
func (s *VerificationService) IssueToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	session, err := sessionField(req)
	if err != nil {
		return nil, err
	}

	token, err := s.captchaUsecase.IssueToken(ctx, session)
	if err != nil {
		logger.WithError(err).WithField("session", session).Error("Token issue failed")
		return nil, status.Error(codes.Internal, "failed to issue token")
	}

	return structpb.NewStruct(map[string]interface{}{FieldToken: token})
}

// formValue renders a scalar form field the way it would arrive in a form post
func formValue(name string, value *structpb.Value) (string, error) {
	switch kind := value.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", status.Errorf(codes.InvalidArgument, "form field %q must be a string, number or bool", name)
	}
}

func sessionField(req *structpb.Struct) (string, error) {
	session := req.GetFields()[FieldSession].GetStringValue()
	if session == "" {
		return "", status.Error(codes.InvalidArgument, "session is required")
	}
	return session, nil
}

// RegisterVerificationServer registers srv on s
func RegisterVerificationServer(s grpc.ServiceRegistrar, srv VerificationServer) {
	s.RegisterService(&VerificationServiceDesc, srv)
}

// VerificationServiceDesc describes the service for grpc.Server.RegisterService
var VerificationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VerificationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ValidateSubmission",
			Handler:    validateSubmissionHandler,
		},
		{
			MethodName: "IssueToken",
			Handler:    issueTokenHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iconcaptcha/v1/verification.proto",
}

func validateSubmissionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerificationServer).ValidateSubmission(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ValidateSubmissionMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerificationServer).ValidateSubmission(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func issueTokenHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerificationServer).IssueToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: IssueTokenMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VerificationServer).IssueToken(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
