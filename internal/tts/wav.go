package tts

import (
	"fmt"
	"time"
)

type wavInfo struct {
	channels   uint16
	sampleRate uint32
	bits       uint16
	dataLen    int
}

func (w wavInfo) duration() time.Duration {
	bytesPerSec := int64(w.sampleRate) * int64(w.channels) * int64(w.bits) / 8
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(w.dataLen) * int64(time.Second) / bytesPerSec)
}

// readWAV walks the RIFF chunks far enough to find the format and data sizes.
func readWAV(b []byte) (wavInfo, error) {
	var info wavInfo
	if len(b) < 44 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return info, fmt.Errorf("not a WAV")
	}
	off := 12
	var haveFmt bool
	for off+8 <= len(b) {
		cid := string(b[off : off+4])
		csz := int(le32(b[off+4:]))
		off += 8
		switch cid {
		case "fmt ":
			if csz < 16 || off+csz > len(b) {
				return info, fmt.Errorf("bad fmt chunk")
			}
			fmtTag := le16(b[off:])
			info.channels = le16(b[off+2:])
			info.sampleRate = le32(b[off+4:])
			info.bits = le16(b[off+14:])
			if fmtTag != 1 || info.bits != 16 {
				return info, fmt.Errorf("unsupported WAV format")
			}
			haveFmt = true
			off += csz
		case "data":
			if !haveFmt {
				return info, fmt.Errorf("data before fmt")
			}
			if csz > len(b)-off {
				// streamed WAVs often carry a placeholder size
				csz = len(b) - off
			}
			info.dataLen = csz
			return info, nil
		default:
			off += csz
		}
	}
	return info, fmt.Errorf("no data chunk")
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
