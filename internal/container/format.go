// Package container читает и пишет файлы реплеев:
// магия, версия, заголовок msgpack и zstd-поток записей кадров с контрольными суммами.
package container

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	// Magic - сигнатура файла реплея
	Magic = "ARPL"
	// Version - версия контейнера
	Version uint16 = 1

	maxHeaderSize = 1 << 20
	maxFrameSize  = 16 << 20

	// магия + версия + длина заголовка
	preambleSize = len(Magic) + 2 + 4
)

// checksum - младшие 32 бита xxhash64
func checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

func appendChecksum(b []byte, data []byte) []byte {
	return binary.BigEndian.AppendUint32(b, checksum(data))
}
