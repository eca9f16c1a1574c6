// Package postgres manages the PostgreSQL connection pools behind fieldops.
//
// A ConnectionManager owns one primary pool and zero or more read replicas.
// The entity service lists and fetches from Replica(); creates, updates and
// the cascading delete engine always use Primary(), since a delete must read
// its target row inside the same transaction that removes it.
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
//		PrimaryURL:  cfg.Database.PrimaryURL,
//		ReplicaURLs: cfg.Database.ReplicaURLs,
//		MaxConns:    cfg.Database.MaxConns,
//		MinConns:    cfg.Database.MinConns,
//		Timeout:     cfg.Database.Timeout,
//	}, logger)
//
// Replicas that fail a ping at startup are skipped. StartHealthCheckRoutine
// prunes replicas that go away later and reports pool statistics to
// Prometheus. Replica() falls back to the primary once none remain.
package postgres
