package repo

import (
	"database/sql"
	"errors"
	"fmt"

	"bylawscan/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrInvalidStageTransition signals a stage-ownership coordination bug:
	// the caller tried to complete or fail a stage that was not pending or
	// processing.
	ErrInvalidStageTransition = errors.New("invalid stage transition")
)

// stagePrefix maps a stage to its document column prefix. Stages are a
// closed set; anything else is a programming error.
func stagePrefix(stage domain.Stage) (string, error) {
	switch stage {
	case domain.StageDownload:
		return "download", nil
	case domain.StageExtraction:
		return "extraction", nil
	case domain.StageAnalysis:
		return "analysis", nil
	}
	return "", fmt.Errorf("unknown stage %q", stage)
}

// precedingStage returns the stage whose completion gates the given stage,
// or "" for the first stage.
func precedingStage(stage domain.Stage) domain.Stage {
	switch stage {
	case domain.StageExtraction:
		return domain.StageDownload
	case domain.StageAnalysis:
		return domain.StageExtraction
	}
	return ""
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
