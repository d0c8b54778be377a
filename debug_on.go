// SPDX-License-Identifier: GPL-3.0-or-later

//go:build pipesdebug

package pipes

// debugInvariants makes invariant violations fatal.
const debugInvariants = true
