package vm

import (
	"bounds"
	"defs"
	"mem"
	"res"
	"ustr"
	"util"
)

// Userdmap8_inner returns a direct-mapped slice covering the user
// address va, faulting the page in first if necessary. When k2u is true
// the mapping is prepared for a kernel write (a COW page must be broken
// first). Kept nearly verbatim from the teacher's as.go, adapted to this
// package's Region/AddressSpace_t names.
func (as *AddressSpace_t) Userdmap8_inner(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()

	voff := va & (mem.PGSIZE - 1)
	uva := uintptr(va)
	r, ok := as.Lookup(uva)
	if !ok {
		return nil, -defs.EFAULT
	}
	pte, err := pmap_walk(as.Pmap, uva, true)
	if err != errOK {
		return nil, -defs.ENOMEM
	}
	needfault := true
	isp := *pte&mem.PTE_P != 0
	if k2u {
		iscow := *pte&mem.PTE_COW != 0
		if isp && !iscow {
			needfault = false
		}
	} else if isp {
		needfault = false
	}
	if needfault {
		if e := as.Sys_pgfault(r, uva, k2u, true); e != 0 {
			return nil, e
		}
		pte, err = pmap_walk(as.Pmap, uva, false)
		if err != errOK {
			return nil, -defs.ENOMEM
		}
	}

	pg := mem.Physmem.Dmap(*pte & mem.PTE_ADDR)
	bpg := mem.Pg2bytes(pg)
	return bpg[voff:], 0
}

func (as *AddressSpace_t) userdmap8(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.Userdmap8_inner(va, k2u)
}

// Userdmap8r maps the user address for reading.
func (as *AddressSpace_t) Userdmap8r(va int) ([]uint8, defs.Err_t) {
	return as.userdmap8(va, false)
}

// Userreadn reads n (<= 8) bytes from user address va as a little-endian
// integer.
func (as *AddressSpace_t) Userreadn(va, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.userreadn_inner(va, n)
}

func (as *AddressSpace_t) userreadn_inner(va, n int) (int, defs.Err_t) {
	as.Lockassert_pmap()
	if n > 8 {
		panic("vm: large n")
	}
	var ret int
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = as.Userdmap8_inner(va+i, false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		ret |= util.Readn(src, l, 0) << (8 * uint(i))
	}
	return ret, 0
}

// Userwriten writes the low n bytes of val to user address va.
func (as *AddressSpace_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("vm: large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		v := val >> (8 * uint(i))
		t, err := as.Userdmap8_inner(va+i, true)
		dst = t
		if err != 0 {
			return err
		}
		util.Writen(dst, n-i, 0, v)
	}
	return 0
}

// Userstr copies a NUL-terminated string from user space, up to lenmax
// bytes, returning ENAMETOOLONG if no NUL appears in that budget.
func (as *AddressSpace_t) Userstr(uva int, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	i := 0
	var s ustr.Ustr
	for {
		str, err := as.Userdmap8_inner(uva+i, false)
		if err != 0 {
			return s, err
		}
		trunc := ustr.FromNulTerminated(str)
		s = append(s, trunc...)
		if len(s) >= lenmax {
			return nil, -defs.ENAMETOOLONG
		}
		if len(trunc) < len(str) {
			return s, 0
		}
		i += len(str)
	}
}

// K2user copies src into user memory starting at uva, gated by the res
// budget per page touched (spec.md §5's resource-budget admission).
func (as *AddressSpace_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	cnt := 0
	l := len(src)
	for cnt != l {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ASPACE_T_K2USER_INNER)) {
			return -defs.ENOHEAP
		}
		dst, err := as.Userdmap8_inner(uva+cnt, true)
		if err != 0 {
			return err
		}
		ub := len(src)
		if ub > len(dst) {
			ub = len(dst)
		}
		copy(dst, src[:ub])
		src = src[ub:]
		cnt += ub
	}
	return 0
}

// User2k copies len(dst) bytes from user memory at uva into dst.
func (as *AddressSpace_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	cnt := 0
	for len(dst) != 0 {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_ASPACE_T_USER2K_INNER)) {
			return -defs.ENOHEAP
		}
		src, err := as.Userdmap8_inner(uva+cnt, false)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
	}
	return 0
}

// Userbuf_t streams reads/writes against a bounded user-memory range,
// atomic with respect to page faults one page at a time. Kept from the
// teacher's vm/userbuf.go; the Useriovec_t/Fakeubuf_t/Mkfxbuf helpers it
// also defined belong to the syscall/FPU-context layers above this
// core's scope and are not carried forward.
type Userbuf_t struct {
	userva int
	len    int
	off    int
	as     *AddressSpace_t
}

// Mkuserbuf allocates and initializes a Userbuf_t over [userva, userva+n).
func (as *AddressSpace_t) Mkuserbuf(userva, n int) *Userbuf_t {
	ub := &Userbuf_t{}
	ub.Init(as, userva, n)
	return ub
}

// Init (re)initializes ub over [userva, userva+n).
func (ub *Userbuf_t) Init(as *AddressSpace_t, userva, n int) {
	if n < 0 {
		panic("vm: negative userbuf length")
	}
	ub.as = as
	ub.userva = userva
	ub.len = n
	ub.off = 0
}

// Remain returns the number of unconsumed bytes left in the buffer.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// Totalsz returns the buffer's total length.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// Uioread copies from user memory into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(dst, false)
}

// Uiowrite copies src into user memory.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(src, true)
}

func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERBUF_T_TX)) {
			return ret, -defs.ENOHEAP
		}
		va := ub.userva + ub.off
		ubuf, err := ub.as.Userdmap8_inner(va, write)
		if err != 0 {
			return ret, err
		}
		if end := ub.off + len(ubuf); end > ub.len {
			ubuf = ubuf[:ub.len-ub.off]
		}
		var c int
		if write {
			c = copy(ubuf, buf)
		} else {
			c = copy(buf, ubuf)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}
