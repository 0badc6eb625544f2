package handler

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/polipireddirohith/government-fund-blockchain/internal/model"
	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// FundOperations 基金写操作，service.ReconciliationService 实现该接口
type FundOperations interface {
	Allocate(ctx context.Context, actor *model.Actor, project *model.ProjectSpec) (*model.Fund, error)
	Approve(ctx context.Context, actor *model.Actor, fundID int64, remarks string) (*model.Fund, error)
	Release(ctx context.Context, actor *model.Actor, fundID int64, amount decimal.Decimal) (*model.Fund, error)
	Reject(ctx context.Context, actor *model.Actor, fundID int64, remarks string) (*model.Fund, error)
	AddMilestone(ctx context.Context, actor *model.Actor, fundID int64, milestone *model.MilestoneSpec) (*model.Fund, error)
	UpdateMilestoneStatus(ctx context.Context, actor *model.Actor, fundID int64, index int, status model.MilestoneStatus, proof string) (*model.Fund, error)
}

// FundHandler fund-commands 命令处理器
type FundHandler struct {
	ops FundOperations
	now func() time.Time
}

// NewFundHandler 创建处理器
func NewFundHandler(ops FundOperations) *FundHandler {
	return &FundHandler{ops: ops, now: time.Now}
}

// HandleCommand 执行命令并构建结果，从不返回 nil
func (h *FundHandler) HandleCommand(ctx context.Context, cmd *model.FundCommand) *model.FundCommandResult {
	ctx = logger.NewContext(ctx,
		zap.String("command_id", cmd.CommandID),
		zap.String("command_type", string(cmd.Type)),
		zap.String("actor", cmd.Actor.ID))

	fund, err := h.dispatch(ctx, cmd)

	result := &model.FundCommandResult{
		CommandID:   cmd.CommandID,
		ProcessedAt: h.now().UnixMilli(),
	}
	if err != nil {
		result.ErrorCode = bizerr.GetCode(err)
		result.ErrorMessage = bizerr.GetMessage(err)
		result.Retryable = bizerr.IsRetryable(err)
		if !bizerr.As(err, new(*bizerr.Error)) {
			result.ErrorCode = bizerr.ErrInternal.Code
		}

		log := logger.WithContext(ctx)
		if bizerr.IsRuleRejection(err) || bizerr.IsNotFound(err) {
			log.Info("fund command rejected", zap.String("code", result.ErrorCode), zap.Error(err))
		} else {
			log.Error("fund command failed", zap.String("code", result.ErrorCode), zap.Error(err))
		}
		return result
	}

	result.Success = true
	result.Fund = model.NewFundView(fund)
	return result
}

func (h *FundHandler) dispatch(ctx context.Context, cmd *model.FundCommand) (*model.Fund, error) {
	actor, err := parseActor(cmd.Actor)
	if err != nil {
		return nil, err
	}
	if len(cmd.CommandID) > model.MaxCommandIDLength {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "command_id exceeds %d characters", model.MaxCommandIDLength)
	}
	// 重复投递的同一命令由写服务按 command_id 去重
	ctx = model.ContextWithCommandID(ctx, cmd.CommandID)

	switch cmd.Type {
	case model.FundCommandAllocate:
		if cmd.Project == nil {
			return nil, bizerr.Wrapf(bizerr.ErrValidation, "project is required")
		}
		project := *cmd.Project
		if project.Remarks == "" {
			project.Remarks = cmd.Remarks
		}
		return h.ops.Allocate(ctx, actor, &project)

	case model.FundCommandApprove:
		if err := requireFundID(cmd); err != nil {
			return nil, err
		}
		return h.ops.Approve(ctx, actor, cmd.FundID, cmd.Remarks)

	case model.FundCommandRelease:
		if err := requireFundID(cmd); err != nil {
			return nil, err
		}
		return h.ops.Release(ctx, actor, cmd.FundID, cmd.Amount)

	case model.FundCommandReject:
		if err := requireFundID(cmd); err != nil {
			return nil, err
		}
		return h.ops.Reject(ctx, actor, cmd.FundID, cmd.Remarks)

	case model.FundCommandAddMilestone:
		if err := requireFundID(cmd); err != nil {
			return nil, err
		}
		if cmd.Milestone == nil {
			return nil, bizerr.Wrapf(bizerr.ErrValidation, "milestone is required")
		}
		return h.ops.AddMilestone(ctx, actor, cmd.FundID, cmd.Milestone)

	case model.FundCommandUpdateMilestoneStatus:
		if err := requireFundID(cmd); err != nil {
			return nil, err
		}
		status, err := model.ParseMilestoneStatus(cmd.MilestoneStatus)
		if err != nil {
			return nil, err
		}
		return h.ops.UpdateMilestoneStatus(ctx, actor, cmd.FundID, cmd.MilestoneIndex, status, cmd.Proof)

	default:
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "unknown command type %q", cmd.Type)
	}
}

func parseActor(a model.Actor) (*model.Actor, error) {
	if strings.TrimSpace(a.ID) == "" {
		return nil, bizerr.Wrapf(bizerr.ErrValidation, "actor id is required")
	}
	role, err := model.ParseRole(string(a.Role))
	if err != nil {
		return nil, err
	}
	actor := a
	actor.Role = role
	return &actor, nil
}

func requireFundID(cmd *model.FundCommand) error {
	if cmd.FundID <= 0 {
		return bizerr.Wrapf(bizerr.ErrValidation, "fund_id is required")
	}
	return nil
}
