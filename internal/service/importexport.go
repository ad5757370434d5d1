package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/model"
)

// Record is one message in the import and export file format.
type Record struct {
	Email string  `json:"email" validate:"required,email,max=255"`
	Title string  `json:"title" validate:"required,max=255"`
	Text  string  `json:"text"`
	File  *string `json:"file" validate:"omitempty,max=255"`
}

type exportFile struct {
	Emails []Record `json:"emails"`
}

// RejectedRecord is an import entry that failed validation.
type RejectedRecord struct {
	Index  int    `json:"index"`
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type ImportResult struct {
	Imported int              `json:"imported"`
	Batches  int              `json:"batches"`
	Rejected []RejectedRecord `json:"rejected,omitempty"`
}

// DecodeRecords reads either a JSON array of records or an export file
// ({"emails": [...]}).
func DecodeRecords(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '{' {
		var f exportFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode import file: %w", err)
		}
		return f.Emails, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode import file: %w", err)
	}
	return records, nil
}

// Import validates records and upserts the valid ones on email in batches of
// ImportBatchSize. New addresses start pending; existing ones keep their
// delivery state and get the new title, text and file.
func (a *AdminService) Import(ctx context.Context, records []Record) (*ImportResult, error) {
	res := &ImportResult{}
	if len(records) == 0 {
		a.Log.Warn("⚠️ No emails to import")
		return res, nil
	}

	valid := make([]model.Message, 0, len(records))
	for i, rec := range records {
		rec.Email = strings.TrimSpace(rec.Email)
		if err := a.Validate.Struct(rec); err != nil {
			res.Rejected = append(res.Rejected, RejectedRecord{Index: i, Email: rec.Email, Reason: validationReason(err)})
			continue
		}
		valid = append(valid, model.Message{Email: rec.Email, Title: rec.Title, Text: rec.Text, File: rec.File})
	}

	for start := 0; start < len(valid); start += ImportBatchSize {
		end := start + ImportBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		n, err := a.Store.UpsertBatch(ctx, valid[start:end])
		if err != nil {
			return res, appErrors.NewStoreError("import", 0, err)
		}
		res.Imported += n
		res.Batches++
		a.Log.Info("Imported batch", zap.Int("batch_size", n), zap.Int("imported_total", res.Imported))
	}

	if len(res.Rejected) > 0 {
		a.Log.Warn("⚠️ Skipped invalid import records", zap.Int("rejected", len(res.Rejected)))
	}
	a.Log.Info("✅ Import finished", zap.Int("imported", res.Imported), zap.Int("batches", res.Batches))
	return res, nil
}

// Export writes every message as {"emails": [...]} and returns the count.
func (a *AdminService) Export(ctx context.Context, w io.Writer) (int, error) {
	msgs, err := a.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	out := exportFile{Emails: make([]Record, 0, len(msgs))}
	for _, m := range msgs {
		out.Emails = append(out.Emails, Record{Email: m.Email, Title: m.Title, Text: m.Text, File: m.File})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	a.Log.Info("✅ Export finished", zap.Int("exported", len(msgs)))
	return len(msgs), nil
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
