package recording

// Minimal WebM/EBML muxer. The init segment (EBML header, unknown-size
// Segment, Info, Tracks) is produced once; frames are collected into
// clusters that are cut on video keyframes and on every flush.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/petervdpas/roomcall/internal/media"
)

// vint encodes n as an EBML data size in the shortest form. Sizes up to
// 2^56-2 fit; all ones is reserved for "unknown".
func vint(n uint64) []byte {
	width := 1
	for width < 8 && n >= 1<<(7*width)-1 {
		width++
	}
	b := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	b[0] |= 0x80 >> (width - 1)
	return b
}

// unknownSize marks the live Segment whose length is not known up front.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// el builds one element from its id and the concatenation of parts.
func el(id uint32, parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := append(idBytes(id), vint(uint64(n))...)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

// idBytes drops the leading zero bytes of an element id.
func idBytes(id uint32) []byte {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], id)
	i := 0
	for i < 3 && raw[i] == 0 {
		i++
	}
	return append([]byte(nil), raw[i:]...)
}

func uintData(v uint64) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	i := 0
	for i < 7 && raw[i] == 0 {
		i++
	}
	return raw[i:]
}

func floatData(f float32) []byte {
	return binary.BigEndian.AppendUint32(nil, math.Float32bits(f))
}

// Matroska element ids used by the muxer.
const (
	idEBML         uint32 = 0x1A45DFA3
	idEBMLVersion  uint32 = 0x4286
	idEBMLReadVer  uint32 = 0x42F7
	idEBMLMaxIDLen uint32 = 0x42F2
	idEBMLMaxSzLen uint32 = 0x42F3
	idDocType      uint32 = 0x4282
	idDocTypeVer   uint32 = 0x4287
	idDocTypeRdVer uint32 = 0x4285
	idSegment      uint32 = 0x18538067
	idInfo         uint32 = 0x1549A966
	idTcScale      uint32 = 0x2AD7B1
	idMuxApp       uint32 = 0x4D80
	idWrtApp       uint32 = 0x5741
	idTracks       uint32 = 0x1654AE6B
	idTrackEntry   uint32 = 0xAE
	idTrackNum     uint32 = 0xD7
	idTrackUID     uint32 = 0x73C5
	idTrackType    uint32 = 0x83
	idCodecID      uint32 = 0x86
	idCodecPrv     uint32 = 0x63A2
	idVideo        uint32 = 0xE0
	idPixelW       uint32 = 0xB0
	idPixelH       uint32 = 0xBA
	idAudio        uint32 = 0xE1
	idSampFreq     uint32 = 0xB5
	idChannels     uint32 = 0x9F
	idCluster      uint32 = 0x1F43B675
	idTimecode     uint32 = 0xE7
	idSimpleBlock  uint32 = 0xA3
)

// opusHead is the OpusHead codec private block for mono 48 kHz Opus.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

// codecID maps an RTP MIME type to its Matroska codec id.
func codecID(mime string) (string, bool) {
	switch strings.ToLower(mime) {
	case "video/vp8":
		return "V_VP8", true
	case "video/vp9":
		return "V_VP9", true
	case "audio/opus":
		return "A_OPUS", true
	}
	return "", false
}

type muxTrack struct {
	num     int
	kind    media.Kind
	codecID string
}

// muxer is not safe for concurrent use; Session serialises access.
type muxer struct {
	width, height uint16
	tracks        []muxTrack

	clusterStartMs int64
	clusterOpen    bool
	blocks         bytes.Buffer
}

func newMuxer(tracks []media.Track, width, height uint16) (*muxer, error) {
	mx := &muxer{width: width, height: height}
	for i, t := range tracks {
		id, ok := codecID(t.Codec())
		if !ok {
			return nil, fmt.Errorf("webm: no mapping for codec %s", t.Codec())
		}
		mx.tracks = append(mx.tracks, muxTrack{num: i + 1, kind: t.Kind(), codecID: id})
	}
	return mx, nil
}

// initSegment returns the header every recording starts with.
func (mx *muxer) initSegment() []byte {
	var buf bytes.Buffer
	buf.Write(el(idEBML,
		el(idEBMLVersion, uintData(1)),
		el(idEBMLReadVer, uintData(1)),
		el(idEBMLMaxIDLen, uintData(4)),
		el(idEBMLMaxSzLen, uintData(8)),
		el(idDocType, []byte("webm")),
		el(idDocTypeVer, uintData(2)),
		el(idDocTypeRdVer, uintData(2)),
	))
	buf.Write(idBytes(idSegment))
	buf.Write(unknownSize)
	buf.Write(el(idInfo,
		el(idTcScale, uintData(1_000_000)),
		el(idMuxApp, []byte("roomcall")),
		el(idWrtApp, []byte("roomcall")),
	))

	entries := make([][]byte, 0, len(mx.tracks))
	for _, t := range mx.tracks {
		num := uintData(uint64(t.num))
		common := [][]byte{
			el(idTrackNum, num),
			el(idTrackUID, num),
		}
		switch t.kind {
		case media.KindVideo:
			entries = append(entries, el(idTrackEntry, append(common,
				el(idTrackType, uintData(1)),
				el(idCodecID, []byte(t.codecID)),
				el(idVideo,
					el(idPixelW, uintData(uint64(mx.width))),
					el(idPixelH, uintData(uint64(mx.height))),
				),
			)...))
		default:
			entries = append(entries, el(idTrackEntry, append(common,
				el(idTrackType, uintData(2)),
				el(idCodecID, []byte(t.codecID)),
				el(idCodecPrv, opusHead),
				el(idAudio,
					el(idSampFreq, floatData(48000)),
					el(idChannels, uintData(1)),
				),
			)...))
		}
	}
	buf.Write(el(idTracks, entries...))
	return buf.Bytes()
}

// write adds one frame. A video keyframe closes the open cluster first; the
// closed cluster is returned, or nil.
func (mx *muxer) write(num int, tsMs int64, keyframe bool, data []byte) []byte {
	var done []byte
	video := num >= 1 && num <= len(mx.tracks) && mx.tracks[num-1].kind == media.KindVideo
	if video && keyframe && mx.clusterOpen {
		done = mx.flush()
	}
	// SimpleBlock timecodes are int16 relative to the cluster.
	if mx.clusterOpen && tsMs-mx.clusterStartMs > math.MaxInt16 {
		done = append(done, mx.flush()...)
	}
	if !mx.clusterOpen {
		mx.clusterStartMs = tsMs
		mx.clusterOpen = true
		mx.blocks.Reset()
	}
	rel := tsMs - mx.clusterStartMs
	if rel < math.MinInt16 {
		rel = math.MinInt16
	}
	mx.blocks.Write(simpleBlock(num, int16(rel), keyframe || !video, data))
	return done
}

// flush closes the open cluster and returns it, or nil when empty.
func (mx *muxer) flush() []byte {
	if !mx.clusterOpen || mx.blocks.Len() == 0 {
		mx.clusterOpen = false
		return nil
	}
	cluster := el(idCluster, el(idTimecode, uintData(uint64(mx.clusterStartMs))), mx.blocks.Bytes())
	mx.clusterOpen = false
	mx.blocks.Reset()
	return cluster
}

// simpleBlock frames data for one track at a cluster-relative time.
func simpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	var flags byte
	if keyframe {
		flags = 0x80
	}
	hdr := binary.BigEndian.AppendUint16(vint(uint64(trackNum)), uint16(relMs))
	return el(idSimpleBlock, append(hdr, flags), data)
}
