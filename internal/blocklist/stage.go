package blocklist

import "fmt"

// Stage is one step of the sync job state machine. Declaration order is
// execution order; stage transitions must move strictly forward.
type Stage int

const (
	StageDownload Stage = iota
	StageMakeDiff
	StageApplyDiff
	StageStartUploading
	StageUploadUnblockables
	StageFinishUploading
	StageDone
	// StageNop ends a run whose downloads matched the previous job.
	StageNop
	// StageChecksumsNotMatch ends a run whose downloads failed verification.
	StageChecksumsNotMatch
)

var stageNames = [...]string{
	StageDownload:           "DOWNLOAD",
	StageMakeDiff:           "MAKE_DIFF",
	StageApplyDiff:          "APPLY_DIFF",
	StageStartUploading:     "START_UPLOADING",
	StageUploadUnblockables: "UPLOAD_UNBLOCKABLE_DOMAINS",
	StageFinishUploading:    "FINISH_UPLOADING",
	StageDone:               "DONE",
	StageNop:                "NOP",
	StageChecksumsNotMatch:  "CHECKSUMS_NOT_MATCH",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageNop, StageChecksumsNotMatch:
		return true
	}
	return false
}

// ParseStage maps a persisted stage name back to its Stage.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}
