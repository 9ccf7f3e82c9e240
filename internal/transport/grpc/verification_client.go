package grpc

import (
	"context"
	"fmt"
	"net/url"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Verdict is the outcome of a remote submission check
type Verdict struct {
	Success bool
	Code    int
	Message string
}

// VerificationClient calls VerificationService from a backend
type VerificationClient struct {
	conn grpc.ClientConnInterface
}

// NewVerificationClient dials target with insecure transport credentials
// unless opts supply their own
func NewVerificationClient(target string, opts ...grpc.DialOption) (*VerificationClient, *grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to verification service: %w", err)
	}

	return &VerificationClient{conn: conn}, conn, nil
}

// NewVerificationClientFromConn wraps an existing connection
func NewVerificationClientFromConn(conn grpc.ClientConnInterface) *VerificationClient {
	return &VerificationClient{conn: conn}
}

// ValidateSubmission forwards the submitted form fields for session
func (c *VerificationClient) ValidateSubmission(ctx context.Context, session string, form url.Values) (*Verdict, error) {
	fields := make(map[string]interface{}, len(form))
	for name := range form {
		fields[name] = form.Get(name)
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		FieldSession: session,
		FieldForm:    fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ValidateSubmissionMethod, req, resp); err != nil {
		return nil, err
	}

	values := resp.GetFields()
	return &Verdict{
		Success: values[FieldSuccess].GetBoolValue(),
		Code:    int(values[FieldCode].GetNumberValue()),
		Message: values[FieldMessage].GetStringValue(),
	}, nil
}

// IssueToken returns the form token of session
func (c *VerificationClient) IssueToken(ctx context.Context, session string) (string, error) {
	req, err := structpb.NewStruct(map[string]interface{}{FieldSession: session})
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, IssueTokenMethod, req, resp); err != nil {
		return "", err
	}

	return resp.GetFields()[FieldToken].GetStringValue(), nil
}
