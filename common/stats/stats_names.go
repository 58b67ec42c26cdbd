package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/************************* State store metrics **************************/
	/*
		number of Get calls made against the state store (includes calls that errored)
	*/
	StoreGetCounter = "getCounter"

	/*
		number of conditional puts made against the state store
	*/
	StorePutCounter = "putCounter"

	/*
		number of conditional puts rejected because the version did not match
	*/
	StorePutConflictCounter = "putConflictCounter"

	/*
		number of List calls made against the state store
	*/
	StoreListCounter = "listCounter"

	/*
		number of Delete calls made against the state store
	*/
	StoreDeleteCounter = "deleteCounter"

	/*
		number of store calls that failed with a transient fault
	*/
	StoreUnavailableCounter = "unavailableCounter"

	/*
		number of store calls retried by the retrying store
	*/
	StoreRetryCounter = "retryCounter"

	/*
		latency of each store operation
	*/
	StoreGetLatency_ms    = "getLatency_ms"
	StorePutLatency_ms    = "putLatency_ms"
	StoreListLatency_ms   = "listLatency_ms"
	StoreDeleteLatency_ms = "deleteLatency_ms"

	/************************* Worker agent metrics **************************/
	/*
		number of poll cycles the agent ran
	*/
	AgentPollCounter = "pollCounter"

	/*
		number of poll cycles that found no claimable task
	*/
	AgentEmptyPollCounter = "emptyPollCounter"

	/*
		number of claim attempts lost to another worker
	*/
	AgentClaimConflictCounter = "claimConflictCounter"

	/*
		number of tasks successfully claimed
	*/
	AgentClaimCounter = "claimCounter"

	/*
		number of tasks that completed successfully
	*/
	AgentTaskCompletedCounter = "taskCompletedCounter"

	/*
		number of tasks whose executor returned an error or panicked
	*/
	AgentTaskFailedCounter = "taskFailedCounter"

	/*
		how long the executor ran for a task
	*/
	AgentTaskExecLatency_ms = "taskExecLatency_ms"

	/*
		current backoff between empty polls
	*/
	AgentBackoffGauge_ms = "backoffGauge_ms"

	/*
		number of heartbeats written for running tasks
	*/
	AgentHeartbeatCounter = "heartbeatCounter"

	/*
		number of task state writes retried after a transient store fault
	*/
	AgentStateWriteRetryCounter = "stateWriteRetryCounter"

	/************************* Session manager metrics **************************/
	/*
		number of tasks submitted to a session
	*/
	SessionSubmitCounter = "submitCounter"

	/*
		number of status calls
	*/
	SessionStatusCounter = "statusCounter"

	/*
		how long it takes to assemble a status summary
	*/
	SessionStatusLatency_ms = "statusLatency_ms"

	/*
		number of collect calls
	*/
	SessionCollectCounter = "collectCounter"

	/*
		number of workers launched for sessions
	*/
	SessionWorkersLaunchedCounter = "workersLaunchedCounter"

	/************************* Wave scheduler metrics **************************/
	/*
		number of waves executed
	*/
	WaveCounter = "waveCounter"

	/*
		size of the most recent wave
	*/
	WaveSizeGauge = "waveSizeGauge"

	/*
		number of runs that were split into more than one wave because of quota
	*/
	WaveDegradedCounter = "degradedCounter"

	/*
		how long each wave took to resolve
	*/
	WaveLatency_ms = "waveLatency_ms"

	/*
		number of items in a wave that returned an error
	*/
	WaveItemErrorCounter = "itemErrorCounter"

	/*
		number of advisory quota increase requests issued
	*/
	WaveQuotaRequestCounter = "quotaRequestCounter"
)
