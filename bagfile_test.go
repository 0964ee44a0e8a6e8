package bagfile

import "time"

// fakeMessage is a minimal message.Message used by the engine's own
// tests; real callers bring a generated message type instead.
type fakeMessage struct {
	dataType string
	md5      string
	def      string
	payload  []byte
	header   map[string]string
}

func newFakeMessage(dataType, payload string) *fakeMessage {
	return &fakeMessage{
		dataType: dataType,
		md5:      "d41d8cd98f00b204e9800998ecf8427e",
		def:      "string data\n",
		payload:  []byte(payload),
	}
}

func (m *fakeMessage) SerializationLength() int { return len(m.payload) }

func (m *fakeMessage) Serialize(buf []byte, offset int) (int, error) {
	n := copy(buf[offset:], m.payload)
	return n, nil
}

func (m *fakeMessage) DataType() string          { return m.dataType }
func (m *fakeMessage) MD5Sum() string             { return m.md5 }
func (m *fakeMessage) MessageDefinition() string  { return m.def }
func (m *fakeMessage) ConnectionHeader() map[string]string { return m.header }

// fakeClock gives tests deterministic control over the disk-space
// throttle and lock-retry deadline without sleeping.
type fakeClock struct {
	now  time.Time
	free uint64
	err  error
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) FreeBytes(path string) (uint64, error) { return c.free, c.err }
