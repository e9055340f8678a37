// Copyright The Memplug Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memplug

import (
	"testing"

	"github.com/stretchr/testify/require"

	logger "github.com/hostmem/memplug/pkg/log"
)

func TestNotifyVetoesTransitionsDuringRemoval(t *testing.T) {
	d := &Device{
		cfg:  Config{Addr: 4 << 30, RegionSize: 1 << 30},
		mode: SubBlockMode,
		log:  logger.Get(t.Name()),
	}
	d.layout.MemBlockSize = 128 << 20
	d.removing.Store(true)

	// Transitions of device memory racing with removal are answered
	// with busy, block state is no longer tracked at that point.
	ev := &MemoryEvent{
		Kind: MemoryGoingOffline,
		Addr: d.cfg.Addr,
		Size: d.layout.MemBlockSize,
	}
	require.Equal(t, NotifyBusy, d.Notify(ev))

	// The veto must release the hotplug lock, the next event takes it
	// again.
	ev.Kind = MemoryGoingOnline
	require.Equal(t, NotifyBusy, d.Notify(ev))

	// Events outside the device region stay unaffected.
	ev.Addr = d.cfg.Addr + 2*d.cfg.RegionSize
	require.Equal(t, NotifyDone, d.Notify(ev))
}
