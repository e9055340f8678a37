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

package simulator

import (
	"github.com/hostmem/memplug/pkg/memplug"
)

// pages implements memplug.PageOps on top of the simulated memory
// subsystem. Free pages of online blocks have no tracking entry;
// allocated and fake-offline pages do.
type pages MM

func (p *pages) mm() *MM {
	return (*MM)(p)
}

// AllocContig implements memplug.PageOps.
func (p *pages) AllocContig(addr, size uint64) error {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	if len(m.allocErrs) > 0 {
		err := m.allocErrs[0]
		m.allocErrs = m.allocErrs[1:]
		return err
	}

	for a := alignDown(addr, m.cfg.BlockSize); a < addr+size; a += m.cfg.BlockSize {
		if _, online := m.online[a]; !online {
			return mmError("%w: allocation from offline block %#x", memplug.ErrInvalid, a)
		}
	}
	for a := addr; a < addr+size; a += m.cfg.PageSize {
		if _, ok := m.pinned[a]; ok {
			return memplug.ErrBusy
		}
		if _, ok := m.pages[a]; ok {
			return memplug.ErrBusy
		}
	}
	for a := addr; a < addr+size; a += m.cfg.PageSize {
		m.pages[a] = &pageState{allocated: true}
	}
	return nil
}

// FreeContig implements memplug.PageOps.
func (p *pages) FreeContig(addr, size uint64) {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	for a := addr; a < addr+size; a += m.cfg.PageSize {
		delete(m.pages, a)
	}
}

// SetOffline implements memplug.PageOps.
func (p *pages) SetOffline(addr, size uint64, fromAlloc bool) {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	for a := addr; a < addr+size; a += m.cfg.PageSize {
		m.pages[a] = &pageState{fakeOffline: true, fromAlloc: fromAlloc}
	}
}

// ClearOffline implements memplug.PageOps.
func (p *pages) ClearOffline(addr, size uint64, fromAlloc bool) {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	for a := addr; a < addr+size; a += m.cfg.PageSize {
		if fromAlloc {
			m.pages[a] = &pageState{allocated: true}
		} else {
			delete(m.pages, a)
		}
	}
}

// FromAllocator implements memplug.PageOps.
func (p *pages) FromAllocator(addr uint64) bool {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	if page, ok := m.pages[addr]; ok {
		return page.fromAlloc
	}
	return false
}

// Online implements memplug.PageOps.
func (p *pages) Online(addr, size uint64) {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	for a := addr; a < addr+size; a += m.cfg.PageSize {
		delete(m.pages, a)
	}
	m.managed += int64(size)
}

// AdjustManaged implements memplug.PageOps.
func (p *pages) AdjustManaged(addr uint64, delta int64) {
	m := p.mm()
	m.Lock()
	defer m.Unlock()
	m.managed += delta
}

// DropRefs implements memplug.PageOps.
func (p *pages) DropRefs(addr, size uint64) {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	for a := addr; a < addr+size; a += m.cfg.PageSize {
		if page, ok := m.pages[a]; ok && page.fakeOffline {
			page.refsDropped = true
		}
	}
}

// TakeRefs implements memplug.PageOps.
func (p *pages) TakeRefs(addr, size uint64) {
	m := p.mm()
	m.Lock()
	defer m.Unlock()

	for a := addr; a < addr+size; a += m.cfg.PageSize {
		if page, ok := m.pages[a]; ok && page.fakeOffline {
			page.refsDropped = false
		}
	}
}

// IsMovable implements memplug.PageOps.
func (p *pages) IsMovable(addr uint64) bool {
	m := p.mm()
	m.Lock()
	defer m.Unlock()
	return m.online[alignDown(addr, m.cfg.BlockSize)] == ZoneMovable
}

// IsOnline implements memplug.PageOps.
func (p *pages) IsOnline(addr uint64) bool {
	m := p.mm()
	m.Lock()
	defer m.Unlock()
	_, ok := m.online[alignDown(addr, m.cfg.BlockSize)]
	return ok
}

// Managed returns the managed-memory accounting in bytes.
func (m *MM) Managed() int64 {
	m.Lock()
	defer m.Unlock()
	return m.managed
}

func alignDown(addr, align uint64) uint64 {
	return addr - addr%align
}
