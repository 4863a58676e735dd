package chain

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ci-scheduler/internal/model"
)

// Create 在同一事务中写入流水线与任务
type Create struct {
	db *gorm.DB
}

func (Create) Name() string { return "create" }

func (s Create) Perform(ctx context.Context, p *model.Pipeline, cmd *Command) Result {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
			return err
		}
		for _, b := range p.Builds {
			b.PipelineID = p.ID
		}
		return tx.Omit(clause.Associations).Create(&p.Builds).Error
	})
	if err != nil {
		// 回滚后恢复为未落库状态
		p.ID = 0
		for _, b := range p.Builds {
			b.ID, b.PipelineID = 0, 0
		}
		return halt(p, fmt.Sprintf("Failed to persist the pipeline: %v", err))
	}
	return Continue
}
