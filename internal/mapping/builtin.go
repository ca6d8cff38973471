package mapping

// BuiltinCatalog returns the built-in translation catalog. It covers the
// source formats the collectors see most; deployments replace it entirely
// by configuring a mapping document.
func BuiltinCatalog() *Catalog {
	return NewCatalog(builtinCategories(), builtinDefaults())
}

func builtinCategories() map[string]map[string]string {
	return map[string]map[string]string{
		"windows": {
			"EventID":           "event_id",
			"EventRecordID":     "event_id",
			"TimeCreated":       "timestamp",
			"Channel":           "log_source",
			"Computer":          "host",
			"TargetUserName":    "user",
			"TargetDomainName":  "domain",
			"IpAddress":         "source_ip",
			"IpPort":            "source_port",
			"LogonType":         "logon_type",
			"ProcessName":       "process_name",
			"NewProcessName":    "process_name",
			"ProcessId":         "process_id",
			"ParentProcessName": "file_path",
			"Task":              "category",
			"Message":           "message",
		},
		"syslog": {
			"timereported":  "timestamp",
			"timegenerated": "timestamp",
			"hostname":      "host",
			"fromhost-ip":   "source_ip",
			"severity":      "severity",
			"facility":      "category",
			"programname":   "process_name",
			"app-name":      "process_name",
			"procid":        "process_id",
			"msg":           "message",
			"syslogtag":     "event_type",
		},
		"paloalto": {
			"receive_time":       "timestamp",
			"time_generated":     "timestamp",
			"device_name":        "log_source",
			"type":               "event_type",
			"subtype":            "category",
			"severity":           "severity",
			"src":                "source_ip",
			"dst":                "dest_ip",
			"sport":              "source_port",
			"dport":              "dest_port",
			"proto":              "protocol",
			"action":             "action",
			"rule":               "rule_name",
			"src_user":           "user",
			"bytes_sent":         "bytes_sent",
			"bytes_received":     "bytes_received",
			"session_end_reason": "message",
		},
		"cloudtrail": {
			"eventID":                "event_id",
			"eventTime":              "timestamp",
			"eventSource":            "log_source",
			"eventName":              "event_type",
			"eventCategory":          "category",
			"sourceIPAddress":        "source_ip",
			"userIdentity.userName":  "user",
			"userIdentity.accountId": "domain",
			"errorMessage":           "message",
		},
	}
}

// builtinDefaults is the flat table of generic aliases plus identity entries
// for canonical names, so already-canonical input normalizes without a
// category.
func builtinDefaults() map[string]string {
	return map[string]string{
		"timestamp":  "timestamp",
		"time":       "timestamp",
		"datetime":   "timestamp",
		"@timestamp": "timestamp",
		"event_time": "timestamp",

		"log_source": "log_source",
		"source":     "log_source",

		"event_id":   "event_id",
		"eventid":    "event_id",
		"event_type": "event_type",
		"eventtype":  "event_type",

		"severity": "severity",
		"level":    "severity",
		"sev":      "severity",

		"user":      "user",
		"username":  "user",
		"user_name": "user",
		"host":      "host",
		"hostname":  "host",
		"domain":    "domain",
		"message":   "message",
		"msg":       "message",
		"action":    "action",
		"category":  "category",
		"url":       "url",

		"source_ip": "source_ip",
		"src_ip":    "source_ip",
		"srcip":     "source_ip",
		"client_ip": "source_ip",
		"dest_ip":   "dest_ip",
		"dst_ip":    "dest_ip",
		"dstip":     "dest_ip",

		"source_port": "source_port",
		"src_port":    "source_port",
		"dest_port":   "dest_port",
		"dst_port":    "dest_port",
		"protocol":    "protocol",
		"proto":       "protocol",

		"process_id":   "process_id",
		"pid":          "process_id",
		"process_name": "process_name",
		"duration":     "duration",

		"bytes_sent":     "bytes_sent",
		"bytes_received": "bytes_received",
	}
}
