package config

// configSchema is the CUE definition every configuration file is
// unified with before decoding. It constrains shapes and enumerations;
// Normalize handles the cross-field checks CUE cannot express cheaply
// (duration parsing, key window ordering, category/source references).
const configSchema = `
#Duration: string & =~"^[0-9]+(ns|us|µs|ms|s|m|h)([0-9]+(ns|us|µs|ms|s|m|h))*$"
#Timestamp: string & =~"^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}"

#Config: {
	service: {
		name:         string & !=""
		version?:     string
		environment?: "development" | "staging" | "production"
	}

	store: path: string & !=""

	bundle: {
		dir:    string & !=""
		watch?: bool
	}

	log: path: string & !=""

	evaluation?: {
		standard_budget?:    #Duration
		complex_budget?:     #Duration
		complex_categories?: [...string]
	}

	override?: {
		required_approvals?: int & >=1
		window?:             #Duration
		grants?: {[string]: [..."request" | "approve" | "revoke"]}
	}

	signing: {
		active_key: string & !=""
		keys: [...{
			id:         string & !=""
			not_before: #Timestamp
			not_after?: #Timestamp
		}] & [_, ...]
	}

	sources?: [...{
		name:       string & !=""
		url:        string & !=""
		ttl:        #Duration
		public_key: string & !=""
		transform?: string
	}]

	categories?: {[string]: [...string]}

	archive?: {
		addr:             string & !=""
		user:             string & !=""
		private_key_path: string & !=""
		known_host_key?:  string
		remote_dir:       string & !=""
		timeout?:         #Duration
	}

	telemetry?: {
		log_level?:      "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:     "console" | "json"
		metrics_listen?: string
		trace_exporter?: "otlp" | "stdout" | "none"
		trace_endpoint?: string
		sampling_rate?:  float & >=0 & <=1
	}
}
`
