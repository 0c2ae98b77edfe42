package mpu9250

// MPU9250 register map, the subset the driver uses.
const (
	MPU_ADDRESS = 0x68

	MPUREG_SMPLRT_DIV     = 0x19
	MPUREG_CONFIG         = 0x1A
	MPUREG_GYRO_CONFIG    = 0x1B
	MPUREG_ACCEL_CONFIG   = 0x1C
	MPUREG_ACCEL_CONFIG_2 = 0x1D
	MPUREG_INT_PIN_CFG    = 0x37
	MPUREG_INT_ENABLE     = 0x38
	MPUREG_ACCEL_XOUT_H   = 0x3B
	MPUREG_USER_CTRL      = 0x6A
	MPUREG_PWR_MGMT_1     = 0x6B
	MPUREG_PWR_MGMT_2     = 0x6C
	MPUREG_WHOAMI         = 0x75

	BIT_H_RESET = 0x80
	INV_CLK_PLL = 0x01

	BITS_FS_250DPS  = 0x00
	BITS_FS_500DPS  = 0x08
	BITS_FS_1000DPS = 0x10
	BITS_FS_2000DPS = 0x18
	BITS_FS_2G      = 0x00
	BITS_FS_4G      = 0x08
	BITS_FS_8G      = 0x10
	BITS_FS_16G     = 0x18

	BITS_DLPF_CFG_188HZ = 0x01
	BITS_DLPF_CFG_98HZ  = 0x02
	BITS_DLPF_CFG_42HZ  = 0x03
	BITS_DLPF_CFG_20HZ  = 0x04
	BITS_DLPF_CFG_10HZ  = 0x05
	BITS_DLPF_CFG_5HZ   = 0x06

	WHOAMI_MPU9250 = 0x71
	WHOAMI_MPU9255 = 0x73

	burstLen = 14 // accel, temperature and gyro, big-endian words
)
