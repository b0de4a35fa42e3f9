package image

import "fmt"

// DownloadError indicates the image artifact could not be fetched.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// StagingError indicates the artifact was fetched but could not be staged
// for boot (decompression, filesystem or iSCSI/TFTP setup failure).
type StagingError struct {
	Step string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging failed at %s: %v", e.Step, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }
