package server

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kakaroto1/replicatorg/src/replicatorg/driver"
)

func startMonitor(log *logrus.Entry, drv *driver.Handle) {
	var m runtime.MemStats

	c := time.NewTicker(30 * time.Second).C

	for range c {
		runtime.ReadMemStats(&m)
		log.WithField("sysMem", m.Sys/1024).
			WithField("routines", runtime.NumGoroutine()).
			WithField("machine", drv.State().String()).
			Info("Monitoring runtime")
	}
}
