// Package recording captures a channel's voice frames to an OGG/Opus file
// on disk. The fan-out hands it completed Unordered frames; it does no
// codec work of its own beyond wrapping opaque Opus payloads in OGG pages.
package recording

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxDuration is the wall-clock ceiling for a single recording before it is
// automatically stopped.
const maxDuration = 2 * time.Hour

// Info describes a completed or in-progress recording.
type Info struct {
	ID        string `json:"id"`
	ChannelID int64  `json:"channel_id"`
	StartedBy string `json:"started_by"`
	StartedAt int64  `json:"started_at"`
	StoppedAt int64  `json:"stopped_at"`
	Duration  int64  `json:"duration_ms"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
}

// Recorder captures incoming voice frames for one channel and writes them
// to an OGG/Opus file. FeedFrame is called from the fan-out's routing path
// with raw unordered datagram payloads.
type Recorder struct {
	mu        sync.Mutex
	logger    *zap.Logger
	channelID int64
	startedBy string
	startedAt time.Time
	file      *os.File
	ogg       *oggWriter
	stopped   bool
	maxTimer  *time.Timer
	onMaxDur  func()
	packets   uint64
}

// Start begins recording channelID's voice traffic to dir. onMaxDur, if
// non-nil, is called once if the recording is auto-stopped at maxDuration.
func Start(channelID int64, startedBy, dir string, logger *zap.Logger, onMaxDur func()) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	now := time.Now()
	filename := fmt.Sprintf("ch%d_%s.ogg", channelID, now.Format("20060102_150405"))
	path := filepath.Join(dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	ogg := newOGGWriter(f)
	if err := ogg.writeHeaders(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write OGG headers: %w", err)
	}

	r := &Recorder{
		logger:    logger,
		channelID: channelID,
		startedBy: startedBy,
		startedAt: now,
		file:      f,
		ogg:       ogg,
		onMaxDur:  onMaxDur,
	}

	r.maxTimer = time.AfterFunc(maxDuration, func() {
		logger.Info("recording auto-stopped at max duration", zap.Int64("channel_id", channelID))
		r.Stop()
		if onMaxDur != nil {
			onMaxDur()
		}
	})

	logger.Info("recording started", zap.Int64("channel_id", channelID), zap.String("started_by", startedBy), zap.String("file", filename))
	return r, nil
}

// FeedFrame writes one voice frame to the recording. data carries the
// wire's [senderID:2][seq:2][opus_payload] layout; only the payload is
// written.
func (r *Recorder) FeedFrame(data []byte) {
	if len(data) <= 4 {
		return
	}
	opus := data[4:]

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	r.packets++
	if err := r.ogg.writeOpusPacket(opus, r.packets); err != nil {
		r.logger.Warn("recording write failed", zap.Int64("channel_id", r.channelID), zap.Error(err))
	}
}

// Stop ends the recording and closes the file. Safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.maxTimer != nil {
		r.maxTimer.Stop()
	}
	if r.ogg != nil {
		r.ogg.close()
	}
	if r.file != nil {
		r.file.Close()
	}
	r.logger.Info("recording stopped", zap.Int64("channel_id", r.channelID), zap.Uint64("packets", r.packets))
}

// Info returns metadata about this recording.
func (r *Recorder) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{
		ID:        filepath.Base(r.file.Name()),
		ChannelID: r.channelID,
		StartedBy: r.startedBy,
		StartedAt: r.startedAt.UnixMilli(),
		FileName:  filepath.Base(r.file.Name()),
	}

	if r.stopped {
		dur := time.Duration(r.packets) * 20 * time.Millisecond
		info.Duration = dur.Milliseconds()
		info.StoppedAt = r.startedAt.Add(dur).UnixMilli()
		if fi, err := os.Stat(r.file.Name()); err == nil {
			info.FileSize = fi.Size()
		}
	}

	return info
}

// ---------------------------------------------------------------------------
// OGG/Opus writer — minimal implementation for writing Opus packets into an
// OGG container. Reference: RFC 7845 (Ogg Encapsulation for Opus).
// ---------------------------------------------------------------------------

type oggWriter struct {
	w         *os.File
	serial    uint32
	pageSeqNo uint32
}

func newOGGWriter(f *os.File) *oggWriter {
	return &oggWriter{
		w:      f,
		serial: 0x564f5852, // "VOXR"
	}
}

// writeHeaders writes the mandatory OpusHead and OpusTags pages.
func (o *oggWriter) writeHeaders() error {
	head := make([]byte, 19)
	copy(head[0:8], "OpusHead")
	head[8] = 1 // version
	head[9] = 1 // channel count (mono mix from server perspective)
	binary.LittleEndian.PutUint16(head[10:12], 0)     // pre-skip
	binary.LittleEndian.PutUint32(head[12:16], 48000) // sample rate
	binary.LittleEndian.PutUint16(head[16:18], 0)      // output gain
	head[18] = 0                                       // channel mapping family

	if err := o.writePage(head, 0, 2); err != nil { // flag 2 = beginning of stream
		return err
	}

	vendor := "voxrelay"
	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags[0:8], "OpusTags")
	binary.LittleEndian.PutUint32(tags[8:12], uint32(len(vendor)))
	copy(tags[12:12+len(vendor)], vendor)
	binary.LittleEndian.PutUint32(tags[12+len(vendor):], 0) // no user comments

	return o.writePage(tags, 0, 0)
}

// writeOpusPacket writes a single Opus packet as an OGG page. packetNum is
// 1-based; granule advances by 960 per packet (20 ms at 48 kHz).
func (o *oggWriter) writeOpusPacket(opus []byte, packetNum uint64) error {
	granule := packetNum * 960
	return o.writePage(opus, granule, 0)
}

// close writes the final empty page with the EOS flag.
func (o *oggWriter) close() {
	_ = o.writePage(nil, 0, 4)
}

// writePage writes a single OGG page. headerType: 0=normal,
// 1=continuation, 2=BOS, 4=EOS.
func (o *oggWriter) writePage(payload []byte, granulePos uint64, headerType byte) error {
	segments := len(payload) / 255
	if len(payload)%255 != 0 || len(payload) == 0 {
		segments++
	}
	if segments == 0 {
		segments = 1
	}

	segTable := make([]byte, segments)
	remaining := len(payload)
	for i := 0; i < segments; i++ {
		if remaining >= 255 {
			segTable[i] = 255
			remaining -= 255
		} else {
			segTable[i] = byte(remaining)
			remaining = 0
		}
	}

	header := make([]byte, 27+len(segTable))
	copy(header[0:4], "OggS")
	header[4] = 0          // version
	header[5] = headerType // header type
	binary.LittleEndian.PutUint64(header[6:14], granulePos)
	binary.LittleEndian.PutUint32(header[14:18], o.serial)
	binary.LittleEndian.PutUint32(header[18:22], o.pageSeqNo)
	header[26] = byte(len(segTable))
	copy(header[27:], segTable)

	crc := oggCRC(header, payload)
	binary.LittleEndian.PutUint32(header[22:26], crc)

	o.pageSeqNo++

	if _, err := o.w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := o.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// oggCRC computes the OGG CRC-32 (unreflected form of polynomial
// 0x04C11DB7, as defined by the Ogg spec — not the standard CRC-32).
func oggCRC(header, payload []byte) uint32 {
	var crc uint32
	for _, b := range header {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	for _, b := range payload {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

var oggCRCTable = func() [256]uint32 {
	const poly = 0x04C11DB7
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()
