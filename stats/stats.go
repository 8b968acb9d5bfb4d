// Package stats provides low-overhead counters and a reflection-based
// dump of them. No other package in this module uses it: the IRQ
// dispatcher keeps no per-vector counts, and the APIC driver's tick
// counters live in package percpu. Adapted from the teacher's
// stats/stats.go; the teacher's compile-time on/off switch becomes the
// runtime Enabled variable (a disabled counter's Inc/Add do nothing).
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Enabled gates whether Counter_t.Inc actually counts. It is a variable,
// not the teacher's untyped const, so tests can flip it on.
var Enabled = true

// Counter_t is a statistical counter, safe for concurrent Inc.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add increments the counter by n.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Stats2String renders every Counter_t field of st as "name: value" lines,
// via reflection, the way the teacher's original dumped Counter_t/Cycles_t
// fields. Nothing in this module calls it; in particular no /sys/kmaps
// rendering is built on it here.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		ft := v.Field(i).Type().String()
		if strings.HasSuffix(ft, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10) + "\n"
		}
	}
	return s
}
