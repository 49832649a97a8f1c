package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vision-dispatch/internal/resultlog"
)

// Store implements the pipeline's result sink on top of gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) SaveResult(ctx context.Context, record resultlog.Record, rawContext map[string]any) error {
	row := InspectionResult{
		Id:           uuid.New(),
		CreationTime: time.Now().UTC(),

		Filename:   record.Filename,
		Data:       record.Data,
		SourceKind: record.SourceKind,
		Status:     record.Status,
		LatencyMS:  record.LatencyMS,

		OkNok:          record.OkNok,
		EvalStatus:     record.EvalStatus,
		ResultBool:     record.ResultBool,
		CompleteTimeS:  record.CompleteTimeS,
		CompleteTimeMS: record.CompleteTimeMS,
		DetectedCount:  record.DetectedCount,

		FileActionApplied:   record.FileActionApplied,
		FileActionOperation: record.FileActionOperation,
		FileActionTarget:    record.FileActionTarget,
		FileActionReason:    record.FileActionReason,

		JSONContextSaved:    record.JSONContextSaved,
		JSONContextPath:     record.JSONContextPath,
		ProcessedImageSaved: record.ProcessedImageSaved,
		ProcessedImagePath:  record.ProcessedImagePath,
		ArtifactReason:      record.ArtifactReason,

		Error: record.Error,
		Mode:  record.Mode,
	}

	if rawContext != nil {
		raw, err := json.Marshal(rawContext)
		if err != nil {
			return fmt.Errorf("encoding raw context: %w", err)
		}
		row.RawContext = raw
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting inspection result: %w", err)
	}
	return nil
}

type ResultFilter struct {
	Status string
	OkNok  string
	Limit  int
	Offset int
}

func (s *Store) ListResults(ctx context.Context, filter ResultFilter) ([]InspectionResult, error) {
	query := s.db.WithContext(ctx).Model(&InspectionResult{}).Order("creation_time desc")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.OkNok != "" {
		query = query.Where("ok_nok = ?", filter.OkNok)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var results []InspectionResult
	if err := query.Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing inspection results: %w", err)
	}
	return results, nil
}

func (s *Store) CountResults(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&InspectionResult{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting inspection results: %w", err)
	}
	return count, nil
}
