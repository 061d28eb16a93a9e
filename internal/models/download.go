package models

import (
	"fmt"
	"time"
)

// TransferErrorKind classifies download engine failures.
type TransferErrorKind int

const (
	TransferInvalidURL TransferErrorKind = iota
	TransferUnreachable
	TransferHTTPStatus
	TransferPartialFailure
	TransferDiskWrite
)

func (k TransferErrorKind) String() string {
	switch k {
	case TransferInvalidURL:
		return "invalid url"
	case TransferUnreachable:
		return "unreachable host"
	case TransferHTTPStatus:
		return "http status error"
	case TransferPartialFailure:
		return "partial transfer failure"
	case TransferDiskWrite:
		return "disk write error"
	default:
		return "transfer error"
	}
}

// TransferError is reported verbatim to the caller; the engine never
// swallows a failure.
type TransferError struct {
	Kind   TransferErrorKind
	Status int // HTTP status for TransferHTTPStatus, zero otherwise
	Err    error
}

func (e *TransferError) Error() string {
	switch {
	case e.Kind == TransferHTTPStatus && e.Status != 0:
		return fmt.Sprintf("%s: %d", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// PartStatus tracks a byte-range worker's lifecycle within one job.
type PartStatus int

const (
	PartPending PartStatus = iota
	PartFetching
	PartDone
	PartFailed
)

// DownloadPart is one contiguous byte range of a multipart job. Start and
// End are inclusive offsets; ranges of a job never overlap.
type DownloadPart struct {
	Index    int
	Start    int64
	End      int64
	Status   PartStatus
	Attempts int
}

// DownloadJob is the transient state of one Fetch invocation. It is owned
// exclusively by that invocation and never persisted.
type DownloadJob struct {
	ID            string
	URL           string
	DestPath      string // absolute destination file
	FinalFilename string
	TotalBytes    int64 // -1 when the remote did not report a length
	Multipart     bool
	Parts         []DownloadPart
	StartedAt     time.Time
}

// FetchResult describes a completed download.
type FetchResult struct {
	Path          string // absolute path of the written file
	Filename      string
	Size          int64
	Multithreaded bool
}
