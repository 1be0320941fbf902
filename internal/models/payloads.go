package models

import (
	"fmt"
	"strconv"
	"strings"
)

// These structs define the JSON payloads accepted and returned by the HTTP API.

// Operation names a transformation the dispatcher can run.
type Operation string

const (
	OperationCompress Operation = "compress"
	OperationMerge    Operation = "merge"
	OperationSplit    Operation = "split"
	OperationLock     Operation = "lock"
	OperationConvert  Operation = "convert"
)

// Conversion target formats.
const (
	FormatDocx  = "docx"
	FormatImage = "image"
)

// UploadResponse is returned by the intake endpoint.
type UploadResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Message string `json:"message"`
	Staged  int    `json:"staged"`
	Dropped int    `json:"dropped"`
}

// CompressRequest is the input for the compress operation. Level is 1 (light) to 3 (strong).
type CompressRequest struct {
	Token string  `json:"token"`
	Level FlexInt `json:"level"`
}

// MergeRequest is the input for the merge operation.
type MergeRequest struct {
	Token string `json:"token"`
}

// SplitRequest is the input for the split operation.
type SplitRequest struct {
	Token     string `json:"token"`
	PageRange string `json:"page_range"`
}

// LockRequest is the input for the lock operation.
type LockRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ConvertRequest is the input for the convert operation. Quality only applies to image output.
type ConvertRequest struct {
	Token   string  `json:"token"`
	Format  string  `json:"format"`
	Quality FlexInt `json:"quality,omitempty"`
}

// OperationResponse is the result of any successful operation.
type OperationResponse struct {
	Success      bool     `json:"success"`
	DownloadURL  string   `json:"download_url"`
	Artifact     string   `json:"artifact"`
	OriginalSize int64    `json:"original_size"`
	NewSize      int64    `json:"new_size"`
	Reduction    *float64 `json:"reduction,omitempty"`
	Method       string   `json:"method,omitempty"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// FlexInt decodes from either a JSON number or a numeric string, since form
// controls submit their values as strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*f = FlexInt(n)
	return nil
}
