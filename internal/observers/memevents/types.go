package memevents

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// rawOOMKill mirrors struct oom_kill_event in bpf_src/oom_watch.c. Field
// order and sizes must match the C layout exactly.
type rawOOMKill struct {
	TimestampNs uint64
	TriggerPid  uint32
	VictimPid   uint32
	TotalVmKB   uint64
	AnonRssKB   uint64
	FileRssKB   uint64
	ShmemRssKB  uint64
	TriggerComm [16]byte
	VictimComm  [16]byte
}

const rawOOMKillSize = 8 + 4 + 4 + 8 + 8 + 8 + 8 + 16 + 16

// OOMKillEvent is one OOM kill as seen from the mark_victim tracepoint.
type OOMKillEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	TriggerPid  int       `json:"trigger_pid"`
	TriggerComm string    `json:"trigger_comm"`
	VictimPid   int       `json:"victim_pid"`
	VictimComm  string    `json:"victim_comm"`
	TotalVmKB   uint64    `json:"total_vm_kb"`
	AnonRssKB   uint64    `json:"anon_rss_kb"`
	FileRssKB   uint64    `json:"file_rss_kb"`
	ShmemRssKB  uint64    `json:"shmem_rss_kb"`
}

// decodeOOMKill parses one ring buffer record.
func decodeOOMKill(data []byte) (*OOMKillEvent, error) {
	if len(data) < rawOOMKillSize {
		return nil, fmt.Errorf("short oom event: %d bytes", len(data))
	}
	var raw rawOOMKill
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode oom event: %w", err)
	}
	return &OOMKillEvent{
		Timestamp:   time.Unix(0, int64(raw.TimestampNs)),
		TriggerPid:  int(raw.TriggerPid),
		TriggerComm: commString(raw.TriggerComm),
		VictimPid:   int(raw.VictimPid),
		VictimComm:  commString(raw.VictimComm),
		TotalVmKB:   raw.TotalVmKB,
		AnonRssKB:   raw.AnonRssKB,
		FileRssKB:   raw.FileRssKB,
		ShmemRssKB:  raw.ShmemRssKB,
	}, nil
}

func commString(comm [16]byte) string {
	return string(bytes.TrimRight(comm[:], "\x00"))
}
