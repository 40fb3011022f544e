// internal/pngcard/crc.go
package pngcard

// crcTable IEEE 802.3 反射多项式 0xEDB88320 的查找表
var crcTable = makeCRCTable()

func makeCRCTable() [256]uint32 {
	var table [256]uint32
	for n := 0; n < 256; n++ {
		c := uint32(n)
		for k := 0; k < 8; k++ {
			if c&1 != 0 {
				c = 0xEDB88320 ^ (c >> 1)
			} else {
				c >>= 1
			}
		}
		table[n] = c
	}
	return table
}

func updateCRC(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = crcTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

// CRC32 计算 type‖data 的 PNG 块校验值
func CRC32(chunkType string, data []byte) uint32 {
	crc := updateCRC(0xFFFFFFFF, []byte(chunkType))
	crc = updateCRC(crc, data)
	return crc ^ 0xFFFFFFFF
}
