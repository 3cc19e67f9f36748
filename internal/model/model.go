package model

import (
	"strings"
)

const (
	AppName    = "vmbus"
	AppSubject = "vmbus"
)

// Category classifies a device. Item-backed slot groups are keyed by category.
type Category uint8

const (
	CategoryOther Category = iota
	CategoryMemory
	CategoryStorage
	CategoryFlash
	CategoryCard
	CategoryNetworkTunnel
)

const (
	CategoryOtherStr         = "other"
	CategoryMemoryStr        = "memory"
	CategoryStorageStr       = "storage"
	CategoryFlashStr         = "flash"
	CategoryCardStr          = "card"
	CategoryNetworkTunnelStr = "network_tunnel"
)

func (c Category) String() string {
	switch c {
	case CategoryMemory:
		return CategoryMemoryStr
	case CategoryStorage:
		return CategoryStorageStr
	case CategoryFlash:
		return CategoryFlashStr
	case CategoryCard:
		return CategoryCardStr
	case CategoryNetworkTunnel:
		return CategoryNetworkTunnelStr
	case CategoryOther:
		return CategoryOtherStr
	default:
		return "unknown"
	}
}

// CategoryFromString parses a category name, accepting '-' in place of '_'.
func CategoryFromString(str string) (Category, error) {
	switch strings.ReplaceAll(strings.ToLower(str), "-", "_") {
	case CategoryMemoryStr:
		return CategoryMemory, nil
	case CategoryStorageStr, "hard_drive":
		return CategoryStorage, nil
	case CategoryFlashStr, "flash_memory":
		return CategoryFlash, nil
	case CategoryCardStr:
		return CategoryCard, nil
	case CategoryNetworkTunnelStr:
		return CategoryNetworkTunnel, nil
	case CategoryOtherStr:
		return CategoryOther, nil
	default:
		return 0, ErrUnknownCategory
	}
}

// RunState is the externally observable state of the execution unit.
// The ordinal is persisted, so new values must only be appended.
type RunState uint8

const (
	RunStateStopped RunState = iota
	RunStateLoading
	RunStateRunning
	RunStatePaused
	RunStateErrored
)

func (s RunState) String() string {
	switch s {
	case RunStateStopped:
		return "stopped"
	case RunStateLoading:
		return "loading"
	case RunStateRunning:
		return "running"
	case RunStatePaused:
		return "paused"
	case RunStateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type Args struct {
	LogLevel        string
	ConfigFile      string
	TopologyFile    string
	EnableProfiling bool
}
