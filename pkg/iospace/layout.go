// Copyright 2026 The gVisor Authors.
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

package iospace

import (
	"gvisor.dev/iospace/pkg/atomicbitops"
	"gvisor.dev/iospace/pkg/hostarch"
)

// The bitmap layout is shared with the processor's port check and identical
// in every domain.
const (
	// MaxPorts is the number of I/O ports, one bit each.
	MaxPorts = 1 << 16

	// BitmapStart is the virtual address of the bitmap.
	BitmapStart hostarch.Addr = 0x7ffffffe0000

	// BitmapSize is the size of the bitmap in bytes.
	BitmapSize = MaxPorts / 8

	// BitsPerPage is the number of ports covered by one bitmap page.
	BitsPerPage = hostarch.PageSize * 8

	// BitmapPages is the number of pages spanned by the bitmap.
	BitmapPages = BitmapSize / hostarch.PageSize

	// BitmapEnd is the first address past the bitmap.
	BitmapEnd = BitmapStart + BitmapSize

	wordBytes = atomicbitops.WordBits / 8
)

// BitmapRange is the virtual range of the bitmap.
var BitmapRange = hostarch.AddrRange{Start: BitmapStart, End: BitmapEnd}

// IdxToVirt returns the address of the bitmap word holding port idx.
func IdxToVirt(idx uint64) hostarch.Addr {
	return BitmapStart + hostarch.Addr(idx/atomicbitops.WordBits*wordBytes)
}

// IdxToBit returns the position of port idx within its bitmap word.
func IdxToBit(idx uint64) uint {
	return uint(idx % atomicbitops.WordBits)
}

// IdxToPage returns the bitmap page holding port idx.
func IdxToPage(idx uint64) int {
	return int(idx / BitsPerPage)
}

// pageIndex returns the bitmap page of a page-aligned address in the bitmap.
func pageIndex(page hostarch.Addr) int {
	return int((page - BitmapStart) / hostarch.PageSize)
}
