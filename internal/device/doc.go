// Package device provides the Device Cache for benchrig workers.
//
// The cache is the sole owner of open hardware handles inside a worker. It
// maps logical names (and their aliases) to open devices, opening each lazily
// on first use through a registered factory and closing it only when it is
// removed.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                          Cache                               │
//	│                                                              │
//	│  factories          aliases             entries              │
//	│  "psu" → Factory    "power" → "psu"     "psu" → *SerialDevice│
//	│  "cam" → Factory    "camera" → "cam"                         │
//	│                                                              │
//	│  Get("power") → canonical "psu" → hit, or factory + Open     │
//	└──────────────────────────────────────────────────────────────┘
//
// # Ownership
//
// Presence under the canonical key is what keeps a device open. Delete and
// Clear close it. Close failures and panics are logged as warnings and never
// returned, so clearing N devices always attempts N closes, even when the
// worker is being torn down after a kill.
//
// Binding is strict: a key or alias bound to one device cannot be rebound to
// another (ErrCollision); rebinding the same device is a no-op.
//
// # Usage
//
//	cache := device.NewCache()
//	cache.SetLogger(log)
//	defer cache.Clear()
//
//	_ = cache.Link("psu", device.SerialFactory(device.SerialOptions{
//	    Path:     "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	}), "power")
//
//	dev, err := cache.Get("power") // opens /dev/ttyUSB0 once
//	if err != nil {
//	    return err
//	}
//	psu := dev.(*device.SerialDevice)
//	idn, err := psu.Query("*IDN?")
package device
