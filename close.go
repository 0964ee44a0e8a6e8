package bagfile

import (
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"github.com/tandemrobotics/bagfile/internal/ioutil"
)

// Close finalizes the bag. For a write or append mode bag this closes
// any open chunk and writes the index region and final file header
// (spec §4.4 "close()"); for a read-mode bag it just releases the file.
//
// The finalization writes are masked against SIGINT at this outermost
// call only, never inside the lower-level write helpers: an interrupt
// arriving mid-close does not stop the process before the index region
// and file header are on disk, instead of risking a half-written index
// (Design Note: "mask SIGINT only around Close, not buried in a
// helper"). Such an interrupt is logged once close completes and is
// otherwise discarded.
func (b *Bag) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	var err error
	switch b.mode {
	case ModeWrite, ModeAppend, ModeReadAppend:
		err = b.closeWrite()
	case ModeRead:
		err = b.closeRead()
	}
	if err != nil {
		b.file.Close()
		return err
	}

	if syncErr := b.file.Sync(); syncErr != nil {
		b.file.Close()
		return wrapIO(syncErr, "sync")
	}

	if b.mode != ModeRead {
		if unlockErr := ioutil.Unlock(b.file.Fd()); unlockErr != nil {
			b.logger.WithError(errors.Wrap(unlockErr, "bagfile: unlock")).Warn("failed to release write lock on close")
		}
	}

	closeErr := b.file.Close()
	b.closed = true

	select {
	case <-sig:
		b.logger.Info("deferred SIGINT handled after close completed")
	default:
	}

	if closeErr != nil {
		return wrapIO(closeErr, "close")
	}
	return nil
}
