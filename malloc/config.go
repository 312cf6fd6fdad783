package malloc

import "fmt"

import s "github.com/bnclabs/gosettings"

// Alignment minblock and maxblocks should be multiples of Alignment.
const Alignment = int64(8)

// MEMUtilization is the ratio between allocated memory to application
// and useful memory allocated from OS.
const MEMUtilization = float64(0.95)

// Maxarenasize maximum size of a memory arena. Can be used as default
// capacity for NewArena()
const Maxarenasize = int64(1024 * 1024 * 1024 * 1024)

// Maxpools maximum number of pools allowed in an arena.
const Maxpools = int64(512)

// Maxchunks maximum number of chunks allowed in a pool.
const Maxchunks = int64(65536)

// Defaultsettings for a descriptor arena backing Escape nodes.
//
// "minblock" (int64, default: <minblock>)
//		Minimum size of a chunk.
//
// "maxblock" (int64, default: <maxblock>)
//		Maximum size of a chunk.
//
// "capacity" (int64, default: Maxarenasize)
//		Memory capacity managed by this arena.
//
// "pool.capacity" (int64, default: Maxarenasize)
//		Maximum capacity for a single pool within this arena.
//
// "maxpools" (int64, default: Maxpools)
//		Maximum number of distinct block-size pools.
//
// "maxchunks" (int64, default: Maxchunks)
//		Maximum number of chunks allowed within a single pool.
//
// "allocator" (string, default: "flist")
//		Allocator algorithm, can be "flist" or "fbit".
func Defaultsettings(minblock, maxblock int64) s.Settings {
	if minblock > maxblock {
		panic(fmt.Errorf("minblock(%v) > maxblock(%v)", minblock, maxblock))
	}
	return s.Settings{
		"minblock":      minblock,
		"maxblock":      maxblock,
		"capacity":      Maxarenasize,
		"pool.capacity": Maxarenasize,
		"maxpools":      Maxpools,
		"maxchunks":     Maxchunks,
		"allocator":     "flist",
	}
}
