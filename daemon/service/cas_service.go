// Package service's disruption-tolerant retry queue for chunk-level
// sends. InitDTN starts its worker with a send function that does nothing
// and returns nil, so dequeued items are dropped without being sent.
// The whole-file CAS backend this used to also initialize
// (BoltCAS/InMemoryCAS, wired into the old chunk_sender.go/
// chunk_receiver.go transport) is superseded by internal/store's
// content-addressed ChunkStore, which TransferService and the
// Dispatcher's TransferEngines read and write directly.
package service

var defaultDTNQueue *DTNQueue

func InitDTN(path string) error {
	q, err := OpenDTNQueue(path)
	if err != nil {
		return err
	}
	defaultDTNQueue = q
	w := NewDTNWorker(q, func(sess string, idx int64) error {
		return nil
	})
	w.Start()
	return nil
}

func GetDTNQueue() *DTNQueue { return defaultDTNQueue }
