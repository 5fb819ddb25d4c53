// Package deb provides read-only introspection of Debian binary packages.
//
// A .deb file is an AR archive whose control.tar (or control.tar.gz) member
// carries the package's control file. This package walks that structure
// in-memory to surface the identification fields of a package, plus the
// filename conventions shared by the staging pipeline. It never shells out to
// dpkg; actual payload extraction is someone else's job.
package deb
