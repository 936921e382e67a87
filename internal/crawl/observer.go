package crawl

import "time"

// Observer receives pipeline events, typically to feed metrics. Calls come
// from many goroutines and must not block.
type Observer interface {
	ItemWalked()
	ItemSkipped(reason string)
	ItemQueued()
	BatchEmbedded(items int, took time.Duration, err error)
	ItemFinalized(err error)
	RecordsDeleted(n int)
	CrawlFinished(took time.Duration, err error)
	ActiveChanged(active bool)
}

type nopObserver struct{}

func (nopObserver) ItemWalked()                             {}
func (nopObserver) ItemSkipped(string)                      {}
func (nopObserver) ItemQueued()                             {}
func (nopObserver) BatchEmbedded(int, time.Duration, error) {}
func (nopObserver) ItemFinalized(error)                     {}
func (nopObserver) RecordsDeleted(int)                      {}
func (nopObserver) CrawlFinished(time.Duration, error)      {}
func (nopObserver) ActiveChanged(bool)                      {}
