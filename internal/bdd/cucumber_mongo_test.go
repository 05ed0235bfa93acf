package bdd

import (
	"testing"

	"github.com/chirino/messaging-service/internal/testutil/cucumber"
	"github.com/chirino/messaging-service/internal/testutil/testmongo"
)

func TestFeaturesMongo(t *testing.T) {
	mongoURL := testmongo.StartMongo(t)

	cfg := testConfig(t)
	cfg.DatastoreType = "mongo"
	cfg.DBURL = mongoURL
	cfg.MongoDatabase = "messaging_bdd"
	cfg.CacheType = "local"

	runFeatures(t, &cfg, func() cucumber.TestDB {
		return &MongoTestDB{DBURL: mongoURL, Database: cfg.MongoDatabase}
	})
}
