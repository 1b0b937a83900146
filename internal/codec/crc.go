package codec

// Checksum computes the CRC-16/ARC of data: polynomial 0xA001 (reflected),
// initial value 0, LSB-first. The trackers append this checksum over the
// span from the codec-id byte through the trailing record count.
func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
