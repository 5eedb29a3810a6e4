package postgresql

// migrations returns the embedded schema migrations, keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS automation_events (
				id UUID PRIMARY KEY,
				business_id TEXT NOT NULL,
				intent TEXT NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				dedupe_key TEXT NOT NULL DEFAULT '',
				processed BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_events_dedupe
				ON automation_events (business_id, dedupe_key, created_at DESC);

			CREATE TABLE IF NOT EXISTS workflows (
				id UUID PRIMARY KEY,
				business_id TEXT NOT NULL,
				name TEXT NOT NULL,
				industry TEXT NOT NULL DEFAULT '',
				recipe_id TEXT NOT NULL DEFAULT '',
				is_recipe BOOLEAN NOT NULL DEFAULT FALSE,
				active BOOLEAN NOT NULL DEFAULT FALSE,
				trigger_intents JSONB NOT NULL DEFAULT '[]',
				max_enrollments_per_contact INTEGER NOT NULL DEFAULT 0,
				reenroll_after_days INTEGER NOT NULL DEFAULT 0,
				suppression_tags JSONB NOT NULL DEFAULT '[]',
				suppression_stages JSONB NOT NULL DEFAULT '[]',
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_workflows_business_active
				ON workflows (business_id, active);

			CREATE TABLE IF NOT EXISTS automation_runs (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL,
				event_id UUID NOT NULL,
				business_id TEXT NOT NULL,
				contact_id TEXT NOT NULL,
				status TEXT NOT NULL,
				current_node_id TEXT NOT NULL DEFAULT '',
				context JSONB NOT NULL DEFAULT '{}',
				steps_completed INTEGER NOT NULL DEFAULT 0,
				max_steps INTEGER NOT NULL DEFAULT 100,
				idempotency_key TEXT NOT NULL UNIQUE,
				failure_reason TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deadline TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_runs_workflow ON automation_runs (workflow_id);
			CREATE INDEX IF NOT EXISTS idx_runs_contact ON automation_runs (business_id, contact_id);

			CREATE TABLE IF NOT EXISTS automation_jobs (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL,
				node_id TEXT NOT NULL,
				execute_at TIMESTAMP WITH TIME ZONE NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				claimed_by TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_jobs_due
				ON automation_jobs (status, execute_at);
			CREATE INDEX IF NOT EXISTS idx_jobs_run ON automation_jobs (run_id);

			CREATE TABLE IF NOT EXISTS automation_logs (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL,
				node_id TEXT NOT NULL DEFAULT '',
				level TEXT NOT NULL,
				message TEXT NOT NULL,
				data JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_logs_run ON automation_logs (run_id, created_at);

			CREATE TABLE IF NOT EXISTS business_automation_settings (
				business_id TEXT PRIMARY KEY,
				timezone TEXT NOT NULL DEFAULT 'UTC',
				business_hours JSONB NOT NULL DEFAULT '{}',
				quiet_hours JSONB NOT NULL DEFAULT '{}',
				rate_limit JSONB NOT NULL DEFAULT '{}',
				dedupe_window_minutes INTEGER NOT NULL DEFAULT 60,
				max_attempts INTEGER NOT NULL DEFAULT 5
			);

			CREATE TABLE IF NOT EXISTS enrollment_records (
				workflow_id UUID NOT NULL,
				contact_id TEXT NOT NULL,
				enrollment_count INTEGER NOT NULL DEFAULT 0,
				last_enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (workflow_id, contact_id)
			);
		`,
	}
}
