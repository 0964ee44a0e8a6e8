package bagfile

const (
	writingEnabledKey = "writing-enabled"
	writeWarnKey      = "write-warn"
)

// checkWritingEnabled reports whether the writer should accept new
// messages right now. The free-space check itself runs at most once
// per diskCheckInterval: the result sits in diskCache under
// writingEnabledKey with a TTL equal to that interval, so a cache miss
// is exactly "time to check again" (spec §4.4 step 1). This replaces
// the hand-rolled "last checked at" timestamp comparison with the same
// TTL-cache idiom the teacher's IndexManager uses for its `:meta:`
// entries.
func (b *Bag) checkWritingEnabled() bool {
	if v, ok := b.diskCache.Get(writingEnabledKey); ok {
		return v.(bool)
	}
	free, err := b.clock.FreeBytes(b.path)
	enabled := true
	if err != nil {
		b.logger.WithError(err).Warn("failed to check free disk space, assuming writing is enabled")
	} else {
		enabled = free >= lowDiskThreshold
		if free < warnDiskThreshold {
			b.logger.WithField("free_bytes", free).Warn("disk space is low")
		}
	}
	b.diskCache.Set(writingEnabledKey, enabled, diskCheckInterval)
	return enabled
}

// warnDroppedOnce logs "message dropped" at most once per
// writeWarnInterval. The throttle itself is the cache entry's TTL:
// the warning fires exactly when the previous entry has expired.
func (b *Bag) warnDroppedOnce(topic string) {
	if _, ok := b.diskCache.Get(writeWarnKey); ok {
		return
	}
	b.logger.WithField("topic", topic).Warn("disk space low, dropping message")
	b.diskCache.Set(writeWarnKey, true, writeWarnInterval)
}
