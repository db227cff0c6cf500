package tsl2572

const (
	TSL2572_ADDR        uint16 = 0x39 ///< Default I2C address
	TSL2572_BUS         int    = 1    ///< Default I2C bus on a Raspberry Pi
	TSL2572_COMMAND_BIT byte   = 0x80 ///< 1000 0000: command register select, repeated byte protocol

	TSL2572_ENABLE_SLEEP byte = 0x00 ///< Oscillator off, ALS off
	TSL2572_ENABLE_PON   byte = 0x01 ///< Power ON, activates the internal oscillator
	TSL2572_ENABLE_AEN   byte = 0x02 ///< ALS Enable. Writing a one activates the ALS.

	TSL2572_CONFIG_AGL         byte = 0x04 ///< ALS gain level, scales the selected gain by 0.16
	TSL2572_CONTROL_AGAIN_MASK byte = 0x03

	TSL2572_STATUS_AVALID byte = 0x01 ///< ALS cycle has completed since AEN was asserted
	TSL2572_STATUS_AINT   byte = 0x10 ///< ALS interrupt / enable flag
	TSL2572_STATUS_MASK   byte = TSL2572_STATUS_AVALID | TSL2572_STATUS_AINT

	TSL2572_ATIME_MAX    byte    = 0xFF  ///< Register value for requests at or above TSL2572_ATIME_CLAMP
	TSL2572_ATIME_STEP   float64 = 2.73  ///< Milliseconds per integration cycle
	TSL2572_ATIME_CLAMP  float64 = 699.0 ///< Requests at or above this saturate to TSL2572_ATIME_MAX
	TSL2572_ATIME_CYCLES float64 = 256.0

	TSL2572_LUX_DF    float64 = 60.0 ///< Device factor
	TSL2572_LUX_COEFB float64 = 1.87 ///< CH1 coefficient, first segment
	TSL2572_LUX_COEFC float64 = 0.63 ///< CH0 coefficient, second segment

	TSL2572_POLL_ATTEMPTS = 100 ///< Status polls per measurement
)

// TSL2572 Register map
const (
	TSL2572_REGISTER_ENABLE  byte = 0x00 // Enables states and interrupts
	TSL2572_REGISTER_ATIME   byte = 0x01 // ALS integration time
	TSL2572_REGISTER_CONFIG  byte = 0x0D // Configuration, AGL bit
	TSL2572_REGISTER_CONTROL byte = 0x0F // Control, AGAIN bits
	TSL2572_REGISTER_ID      byte = 0x12 // Device ID
	TSL2572_REGISTER_STATUS  byte = 0x13 // Device status
	TSL2572_REGISTER_C0DATA  byte = 0x14 // CH0 ADC low data byte, followed by C0DATAH, C1DATA, C1DATAH
)

// Supported analog gains
const (
	TSL2572_GAIN_0_16X float64 = 0.16 // AGL set, AGAIN 1x
	TSL2572_GAIN_1X    float64 = 1
	TSL2572_GAIN_8X    float64 = 8
	TSL2572_GAIN_16X   float64 = 16
	TSL2572_GAIN_120X  float64 = 120 // also reported for any unrecognised register combination
)

// Known values of the ID register
const (
	TSL2572_ID_TSL25721 byte = 0x34
	TSL2572_ID_TSL25723 byte = 0x3D
)

// Spectrum selectors for NormalizedOutput
const (
	TSL2572_FULLSPECTRUM byte = 0 ///< channel 0
	TSL2572_INFRARED     byte = 1 ///< channel 1
	TSL2572_VISIBLE      byte = 2 ///< channel 0 - channel 1
)

func GainToString(gain float64) string {
	switch gain {
	case TSL2572_GAIN_0_16X:
		return "Low gain (0.16x)"
	case TSL2572_GAIN_1X:
		return "Normal gain (1x)"
	case TSL2572_GAIN_8X:
		return "Medium gain (8x)"
	case TSL2572_GAIN_16X:
		return "High gain (16x)"
	case TSL2572_GAIN_120X:
		return "Max gain (120x)"
	default:
		return "Unknown"
	}
}

func IDToString(id byte) string {
	switch id {
	case TSL2572_ID_TSL25721:
		return "TSL25721/TSL25725"
	case TSL2572_ID_TSL25723:
		return "TSL25723/TSL25727"
	default:
		return "Unknown"
	}
}
