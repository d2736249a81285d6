// Package api implements the RuleStore gRPC service on top of the rule repository.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/protocol"
	"github.com/solatis/rulekeeper/internal/types"
)

// Repository is the persistence the service needs.
// Implemented by *db.RuleRepository.
type Repository interface {
	EnsureRoot(ctx context.Context, projectID string) (types.Rule, error)
	Get(ctx context.Context, projectID string, id types.RuleID) (types.Rule, error)
	SaveObject(ctx context.Context, projectID string, rule types.Rule) (types.Ack, error)
	SaveValue(ctx context.Context, projectID string, rule types.Rule) (types.Ack, error)
	Reorder(ctx context.Context, projectID string, req types.ReorderRequest) (types.Ack, error)
}

// RuleStoreService implements protocol.RuleStoreServer.
// Thin orchestration layer: decode, validate, delegate to the repository, encode.
type RuleStoreService struct {
	repo    Repository
	timeout time.Duration
	logger  *slog.Logger
}

var _ protocol.RuleStoreServer = (*RuleStoreService)(nil)

// NewRuleStoreService creates the service. A zero timeout leaves request
// deadlines to the caller.
func NewRuleStoreService(repo Repository, timeout time.Duration, logger *slog.Logger) (*RuleStoreService, error) {
	if repo == nil {
		return nil, fmt.Errorf("repo cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleStoreService{
		repo:    repo,
		timeout: timeout,
		logger:  logger.With("component", "rule_store"),
	}, nil
}

// begin resolves the project and applies the request timeout.
func (s *RuleStoreService) begin(ctx context.Context) (context.Context, context.CancelFunc, string, error) {
	projectID := auth.ProjectIDFromContext(ctx)
	if projectID == "" {
		return nil, nil, "", status.Error(codes.Internal, "missing project_id in context")
	}
	if s.timeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, projectID, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return ctx, cancel, projectID, nil
}

// GetRule returns one rule document. An empty id returns the project's root
// rule, creating it on first access.
func (s *RuleStoreService) GetRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel, projectID, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	req := protocol.DecodeGetRequest(in)
	var rule types.Rule
	if req.ID == "" {
		rule, err = s.repo.EnsureRoot(ctx, projectID)
	} else {
		var id types.RuleID
		if id, err = types.ParseRuleID(string(req.ID)); err == nil {
			rule, err = s.repo.Get(ctx, projectID, id)
		}
	}
	if err != nil {
		return nil, s.fail(ctx, protocol.MethodGetRule, err)
	}

	out, err := protocol.EncodeRule(rule)
	if err != nil {
		return nil, s.fail(ctx, protocol.MethodGetRule, err)
	}
	return out, nil
}

// SaveObjectRule creates or updates an object or root rule.
func (s *RuleStoreService) SaveObjectRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel, projectID, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	ack, err := s.saveObject(ctx, projectID, in)
	if err != nil {
		return nil, s.fail(ctx, protocol.MethodSaveObjectRule, err)
	}
	s.logger.DebugContext(ctx, "object rule saved", "project", projectID, "rule", ack.ID, "revision", ack.Revision)
	return protocol.EncodeAck(ack)
}

func (s *RuleStoreService) saveObject(ctx context.Context, projectID string, in *structpb.Struct) (types.Ack, error) {
	req, err := protocol.DecodeObjectRequest(in)
	if err != nil {
		return types.Ack{}, err
	}
	rule, err := objectRule(req)
	if err != nil {
		return types.Ack{}, err
	}
	return s.repo.SaveObject(ctx, projectID, rule)
}

// SaveValueRule creates or updates a value rule.
func (s *RuleStoreService) SaveValueRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel, projectID, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	ack, err := s.saveValue(ctx, projectID, in)
	if err != nil {
		return nil, s.fail(ctx, protocol.MethodSaveValueRule, err)
	}
	s.logger.DebugContext(ctx, "value rule saved", "project", projectID, "rule", ack.ID, "revision", ack.Revision)
	return protocol.EncodeAck(ack)
}

func (s *RuleStoreService) saveValue(ctx context.Context, projectID string, in *structpb.Struct) (types.Ack, error) {
	req, err := protocol.DecodeValueRequest(in)
	if err != nil {
		return types.Ack{}, err
	}
	rule, err := valueRule(req)
	if err != nil {
		return types.Ack{}, err
	}
	return s.repo.SaveValue(ctx, projectID, rule)
}

// ReorderRule moves a rule among its siblings.
func (s *RuleStoreService) ReorderRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel, projectID, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	ack, err := s.reorder(ctx, projectID, in)
	if err != nil {
		return nil, s.fail(ctx, protocol.MethodReorderRule, err)
	}
	return protocol.EncodeAck(ack)
}

func (s *RuleStoreService) reorder(ctx context.Context, projectID string, in *structpb.Struct) (types.Ack, error) {
	req, err := protocol.DecodeOrderRequest(in)
	if err != nil {
		return types.Ack{}, err
	}
	if req.ID, err = types.ParseRuleID(string(req.ID)); err != nil {
		return types.Ack{}, err
	}
	if req.ParentID, err = parseParentID(req.ParentID); err != nil {
		return types.Ack{}, err
	}
	return s.repo.Reorder(ctx, projectID, req)
}
