package models

import "testing"

func TestJobType_TaskTypesRoundTrip(t *testing.T) {
	for _, taskType := range AllTaskTypes {
		jobType := taskType.JobType()
		if !jobType.Valid() {
			t.Fatalf("task type %s maps to invalid job type %q", taskType, jobType)
		}

		found := false
		for _, tt := range jobType.TaskTypes() {
			if tt == taskType {
				found = true
			}
		}
		if !found {
			t.Errorf("job type %s does not list task type %s", jobType, taskType)
		}
	}
}

func TestJobType_SyncCoversAllSyncTasks(t *testing.T) {
	got := JobTypeSync.TaskTypes()
	if len(got) != 3 {
		t.Fatalf("expected 3 sync task types, got %d", len(got))
	}
	if JobType("bogus").TaskTypes() != nil {
		t.Error("expected unknown job type to map to no task types")
	}
}

func TestTaskMetadata_Tags(t *testing.T) {
	tests := []struct {
		meta TaskMetadata
		want TaskType
	}{
		{FullSyncMetadata{}, TaskFullSync},
		{&IncrementalSyncMetadata{}, TaskIncrementalSync},
		{FolderSyncMetadata{}, TaskFolderSync},
		{AutoDeleteMetadata{}, TaskAutoDelete},
		{MboxImportMetadata{}, TaskMboxImport},
		{FailureMetadata{TaskType: TaskFolderSync}, TaskFolderSync},
	}
	for _, tt := range tests {
		if got := tt.meta.MetadataTask(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}

func TestJSONB_DecodeCheckpoint(t *testing.T) {
	meta := JSONB{
		"page_token":      "abc",
		"processed_count": float64(1500),
		"job_id":          "job-7",
	}

	var cp SyncCheckpoint
	if err := meta.Decode(&cp); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cp.PageToken != "abc" || cp.ProcessedCount != 1500 || cp.JobID != "job-7" {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
}
