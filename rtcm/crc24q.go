package rtcm

// CRC-24Q as used by RTCM3 and SBAS. Poly 0x1864CFB, init 0, no reflection.
const crc24qPoly uint32 = 0x1864CFB

var crc24qTable = func() (t [256]uint32) {
	for i := range t {
		t[i] = crc24qReference(0, byte(i))
	}
	return
}()

func crc24qReference(crc uint32, data byte) uint32 {
	crc ^= uint32(data) << 16
	for i := 0; i < 8; i++ {
		crc <<= 1
		if crc&0x1000000 != 0 {
			crc ^= crc24qPoly
		}
	}
	return crc & 0xFFFFFF
}

func CRC24QNext(crc uint32, data byte) uint32 {
	return ((crc << 8) & 0xFFFFFF) ^ crc24qTable[byte(crc>>16)^data]
}

func CRC24Q(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = CRC24QNext(crc, b)
	}
	return crc
}
