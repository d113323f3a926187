// Package hal defines the host-controller abstraction the eMMC driver
// programs against.
//
// A memory-card host controller exposes a command path (argument, command
// and response registers), a data path (timer, length, control and a word
// FIFO) and a status register of latched and live flags. [HostController]
// captures exactly those primitives, so the protocol logic in package emmc
// never touches registers directly and can be exercised against the
// simulated controller in [github.com/ardnew/softmmc/emmc/hal/sim].
//
// # Data paths
//
// Every host supports word-at-a-time FIFO access through ReadFIFO and
// WriteFIFO, paced by the half-full and half-empty flags. Hosts with a
// descriptor-driven transfer engine additionally implement [BulkTransfer];
// the driver selects between the two at construction time.
//
// # Status flags
//
// [Status] mirrors the usual SDMMC status register. The latched flags are
// grouped in [StaticCommandFlags] and [StaticDataFlags] and must be cleared
// by the consumer once observed:
//
//	st := host.Status()
//	if st.Has(hal.StatusCommandTimeout) {
//	    host.ClearStatus(hal.StatusCommandTimeout)
//	}
//
// # Clocking
//
// The bus clock is derived from [HostController.KernelClock] through
// [BusConfig.Divider] as kernel / (2 * Divider). A zero divider bypasses the
// divider and runs the bus at the kernel clock.
package hal
