// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package std

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/kcpthrottle/ratelim"
)

// GroupSource is polled once per tick for the current set of ratelim
// groups to report alongside kcp.DefaultSnmp. The client and server
// binaries do not supply one (they call SnmpLogger); nil groups are
// skipped.
type GroupSource func() map[string]*ratelim.Group

// SnmpLogger preserves the teacher's original kcp-only signature for
// callers that don't need group stats.
func SnmpLogger(path string, interval int) {
	StatsLogger(path, interval, nil)
}

// StatsLogger periodically appends a CSV row of kcp.DefaultSnmp counters,
// plus one column triple (members, read level, write level) per named group reported
// by groups, to path (the teacher's mechanism, extended rather than
// replaced: still CSV via encoding/csv, still opt-in via -snmplog).
func StatsLogger(path string, interval int, groups GroupSource) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		// split path into dirname and filename
		logdir, logfile := filepath.Split(path)
		// only format logfile
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			return
		}

		var names []string
		var snaps []ratelim.GroupSnapshot
		if groups != nil {
			for name, g := range groups() {
				if g == nil {
					continue
				}
				names = append(names, name)
				snaps = append(snaps, g.Snapshot())
			}
		}

		w := csv.NewWriter(f)
		// write header in empty file
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			header := append([]string{"Unix"}, kcp.DefaultSnmp.Header()...)
			for _, name := range names {
				header = append(header, name+"_members", name+"_read_level", name+"_write_level")
			}
			if err := w.Write(header); err != nil {
				log.Println(err)
			}
		}

		row := append([]string{fmt.Sprint(time.Now().Unix())}, kcp.DefaultSnmp.ToSlice()...)
		for _, snap := range snaps {
			row = append(row, fmt.Sprint(snap.Members), fmt.Sprint(snap.ReadLevel), fmt.Sprint(snap.WriteLevel))
		}
		if err := w.Write(row); err != nil {
			log.Println(err)
		}
		// kcp.DefaultSnmp.Reset()
		w.Flush()
		f.Close()
	}
}
