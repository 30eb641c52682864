package library

import (
	"teddybox/internal/fetcher"
)

// OnDownloadFinished catalogues the file of a completed download. It is meant
// to be set as fetcher.Fetcher.OnFinished.
func (l *Library) OnDownloadFinished(req *fetcher.Request) {
	if err := l.AddFile(req.Filename); err != nil {
		l.logger.WithError(err).WithField("request_id", req.ID).Warn("Failed to catalogue download")
	}
}
