package excel

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/example/remindme/internal/database"
	"github.com/example/remindme/pkg/models"
)

// ImportConfig defines the import configuration. Expected columns, in
// order: name, contact address, channel, reminder time (HH:MM), active.
type ImportConfig struct {
	FilePath  string // Path to the Excel or CSV file
	SheetName string // Name of the sheet to import
	StartRow  int    // The row to start importing from (1-based index)
}

// DefaultImportConfig returns the default import configuration
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		SheetName: "Sheet1",
		StartRow:  2, // By default, start from the second row (skip header)
	}
}

// ImportResult holds the result of an import operation
type ImportResult struct {
	TotalProcessed int
	Created        int
	Skipped        int
	Errors         []string
}

// ImportUsers registers users in bulk from an Excel or CSV file.
func ImportUsers(ctx context.Context, config ImportConfig) (*ImportResult, error) {
	ext := strings.ToLower(filepath.Ext(config.FilePath))
	if ext == ".csv" {
		return importFromCSV(ctx, config)
	}
	return importFromExcel(ctx, config)
}

// importFromExcel reads rows from an Excel sheet
func importFromExcel(ctx context.Context, config ImportConfig) (*ImportResult, error) {
	f, err := excelize.OpenFile(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(config.SheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %v", err)
	}

	return processRows(ctx, rows, config)
}

// importFromCSV reads rows from a CSV file
func importFromCSV(ctx context.Context, config ImportConfig) (*ImportResult, error) {
	file, err := os.Open(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %v", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var rows [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %v", err)
		}
		rows = append(rows, row)
	}

	return processRows(ctx, rows, config)
}

func processRows(ctx context.Context, rows [][]string, config ImportConfig) (*ImportResult, error) {
	userRepo := database.NewUserRepository()

	result := &ImportResult{
		Errors: make([]string, 0),
	}

	for i, row := range rows {
		// Skip header rows
		if i < config.StartRow-1 {
			continue
		}

		result.TotalProcessed++

		if err := processRow(ctx, row, userRepo, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", i+1, err))
		}
	}

	return result, nil
}

func processRow(ctx context.Context, row []string, userRepo *database.UserRepository, result *ImportResult) error {
	if len(row) < 4 {
		result.Skipped++
		return fmt.Errorf("expected at least 4 columns, got %d", len(row))
	}

	name := strings.TrimSpace(row[0])
	contact := strings.TrimSpace(row[1])
	channel := models.Channel(strings.ToLower(strings.TrimSpace(row[2])))
	timeStr := strings.TrimSpace(row[3])

	if name == "" || contact == "" {
		result.Skipped++
		return fmt.Errorf("name and contact address are required")
	}

	if channel != models.ChannelTelegram && channel != models.ChannelWhatsApp {
		result.Skipped++
		return fmt.Errorf("unknown channel %q", channel)
	}

	hour, minute, err := models.ParseClock(timeStr)
	if err != nil {
		result.Skipped++
		return err
	}

	active := true
	if len(row) > 4 {
		switch strings.ToLower(strings.TrimSpace(row[4])) {
		case "", "true", "1", "yes":
		case "false", "0", "no":
			active = false
		default:
			result.Skipped++
			return fmt.Errorf("invalid active flag %q", row[4])
		}
	}

	user := &models.User{
		Name:            name,
		ContactAddress:  contact,
		Channel:         channel,
		PreferredHour:   hour,
		PreferredMinute: minute,
		Active:          active,
	}

	if err := userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicateContact) {
			result.Skipped++
			return fmt.Errorf("contact %s already registered", contact)
		}
		return err
	}

	result.Created++
	return nil
}
