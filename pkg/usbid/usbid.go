// Package usbid looks up vendor and product names in the usb.ids database
// distributed with usbutils and hwdata.
package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ardnew/pmausb/pkg"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database holds vendor and product names keyed by ID.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
	mutex    sync.RWMutex
}

// New returns an empty database.
func New() *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Open loads the first readable file among paths, or DefaultPaths when
// none are given.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()

		db := New()
		if err := db.Parse(f); err != nil {
			return nil, fmt.Errorf("usbid: %s: %w", path, err)
		}
		pkg.LogDebug(pkg.ComponentDevice, "usb.ids loaded", "path", path, "vendors", len(db.vendors))
		return db, nil
	}
	return nil, fmt.Errorf("usbid: %w: no database in %s", os.ErrNotExist, strings.Join(paths, ", "))
}

// Parse adds the vendor and product entries read from r. Vendor lines hold
// a 4-digit hex ID and a name; product lines are the same indented by one
// tab under their vendor. Class, language and other sections end the
// current vendor.
func (db *Database) Parse(r io.Reader) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	var vid uint16
	inVendor := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if pid, name, ok := entry(line[1:]); ok {
				db.products[uint32(vid)<<16|uint32(pid)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	return scanner.Err()
}

// entry splits "xxxx  Name".
func entry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(s[5:]), true
}

// Vendor returns the name of vid, or "" if unknown.
func (db *Database) Vendor(vid uint16) string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.vendors[vid]
}

// Product returns the name of vid:pid, or "" if unknown.
func (db *Database) Product(vid, pid uint16) string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return len(db.vendors), len(db.products)
}

// Describe formats vid:pid with whatever names are known.
func (db *Database) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if db == nil {
		return s
	}
	if v := db.Vendor(vid); v != "" {
		s += " " + v
		if p := db.Product(vid, pid); p != "" {
			s += " " + p
		}
	}
	return s
}
