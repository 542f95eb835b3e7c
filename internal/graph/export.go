package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/config"
)

// cypherRunner abstracts the driver session plumbing so the mirror can be
// exercised without a live server.
type cypherRunner interface {
	run(ctx context.Context, query string, params map[string]interface{}) error
	close(ctx context.Context) error
}

type driverRunner struct {
	driver neo4j.DriverWithContext
}

func (d *driverRunner) run(ctx context.Context, query string, params map[string]interface{}) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, runErr := tx.Run(ctx, query, params)
		return nil, runErr
	})
	return err
}

func (d *driverRunner) close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Neo4jMirror replicates graph writes into an external Neo4j instance so
// the graph survives restarts and can be inspected with Cypher tooling.
// The in-memory store stays authoritative; mirror failures are logged and
// never fail a build. A nil mirror is safe to call.
type Neo4jMirror struct {
	runner cypherRunner
	logger *logrus.Logger
}

// NewNeo4jMirror connects to the configured instance. Returns (nil, nil)
// when mirroring is disabled.
func NewNeo4jMirror(cfg config.Neo4jConfig, logger *logrus.Logger) (*Neo4jMirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = logrus.New()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: neo4j driver: %w", err)
	}
	return &Neo4jMirror{runner: &driverRunner{driver: driver}, logger: logger}, nil
}

// MirrorExtraction merges the given entities and relations into Neo4j,
// entities first so relation MATCH clauses find their endpoints. Best
// effort: the first error per phase is logged and the rest of the batch
// still runs.
func (m *Neo4jMirror) MirrorExtraction(ctx context.Context, entities []Entity, relations []Relation) {
	if m == nil {
		return
	}
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		err := m.runner.run(ctx,
			"MERGE (e:Entity {name: $name}) ON CREATE SET e.type = $type",
			map[string]interface{}{"name": e.Name, "type": e.Type},
		)
		if err != nil {
			m.logger.WithError(err).WithField("entity", e.Name).Warn("neo4j entity mirror failed")
		}
	}
	for _, r := range relations {
		if r.Src == "" || r.Dst == "" {
			continue
		}
		// Relationship type becomes the Cypher label. The vocabulary is
		// closed, so interpolating it is safe.
		relType := strings.ToUpper(CoerceRelation(r.Type))
		query := fmt.Sprintf(
			"MATCH (a:Entity {name: $src}), (b:Entity {name: $dst}) "+
				"MERGE (a)-[r:%s]->(b) "+
				"ON CREATE SET r.confidence = $confidence "+
				"ON MATCH SET r.confidence = CASE WHEN $confidence > r.confidence THEN $confidence ELSE r.confidence END",
			relType,
		)
		err := m.runner.run(ctx, query, map[string]interface{}{
			"src":        r.Src,
			"dst":        r.Dst,
			"confidence": r.Confidence,
		})
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"src": r.Src,
				"dst": r.Dst,
			}).Warn("neo4j relation mirror failed")
		}
	}
}

// Close releases the driver connection pool.
func (m *Neo4jMirror) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.runner.close(ctx)
}
