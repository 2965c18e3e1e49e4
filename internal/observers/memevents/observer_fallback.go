//go:build !linux
// +build !linux

package memevents

import (
	"context"
	"fmt"
)

func (o *Observer) startEBPF(ctx context.Context) error {
	return fmt.Errorf("eBPF monitoring requires Linux")
}

func (o *Observer) stopEBPF() {}
