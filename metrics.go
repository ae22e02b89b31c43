package aio

import (
	"github.com/rcrowley/go-metrics"
)

var (
	metricNotifies  = metrics.GetOrRegisterCounter("aio.context.notifies", nil)
	metricCallbacks = metrics.GetOrRegisterCounter("aio.context.callbacks", nil)
	metricResumes   = metrics.GetOrRegisterCounter("aio.context.resumes", nil)
	metricKicks     = metrics.GetOrRegisterCounter("aio.wait.kicks", nil)
)
