package bank

import (
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
)

// Bank is one of the two boot partitions.
type Bank string

const (
	A Bank = "A"
	B Bank = "B"
)

// Parse returns the bank named by s ("A" or "B", case-insensitive).
func Parse(s string) (Bank, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(A):
		return A, nil
	case string(B):
		return B, nil
	default:
		return "", fmt.Errorf("invalid bank %q, valid banks: A or B", s)
	}
}

func (b Bank) Other() Bank {
	if b == A {
		return B
	}
	return A
}

// Device is the block device holding the bank's root filesystem.
func (b Bank) Device() string {
	if b == A {
		return "/dev/mmcblk0p2"
	}
	return "/dev/mmcblk0p3"
}

// PartitionNumber of the bank device on the boot disk.
func (b Bank) PartitionNumber() int {
	if b == A {
		return 2
	}
	return 3
}

// Label is the filesystem label written when the bank is formatted.
func (b Bank) Label() string {
	return fmt.Sprintf("BANK_%s", string(b))
}

// VolumeUUID is a predictable filesystem UUID so the bank keeps it across formats.
func (b Bank) VolumeUUID() uuid.UUID {
	return uuid.NewV5(uuid.NamespaceURL, b.Label())
}

// Fstab is the mount table for a system booted from b, the other bank stays noauto.
func (b Bank) Fstab() string {
	return fmt.Sprintf(fstabTemplate, b.Other().Device(), b.Device())
}

func (b Bank) String() string {
	return string(b)
}

func (b Bank) MarshalText() ([]byte, error) {
	if b != A && b != B {
		return nil, fmt.Errorf("invalid bank %q", string(b))
	}
	return []byte(b), nil
}

func (b *Bank) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// fromPartition maps a partition number of the boot disk to its bank.
func fromPartition(n int) (Bank, bool) {
	switch n {
	case A.PartitionNumber():
		return A, true
	case B.PartitionNumber():
		return B, true
	}
	return "", false
}

const fstabTemplate = "proc            /proc           proc    defaults          0       0\n" +
	"/dev/mmcblk0p1  /boot           vfat    defaults          0       2\n" +
	"%s  /mnt/other_bank ext4    noauto,noatime    0       0\n" +
	"%s  /               ext4    defaults,noatime  0       1\n"

// bootDiskPrefix is the common prefix of both bank devices.
const bootDiskPrefix = "/dev/mmcblk0p"
