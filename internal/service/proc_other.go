//go:build !linux

package service

func processMemory() (memUsage, bool) { return memUsage{}, false }
