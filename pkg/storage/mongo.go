package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/serebryakov7/obd-stats/common"
)

// ConnectMongo подключается к MongoDB и проверяет соединение.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к MongoDB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB не отвечает: %w", err)
	}
	return client, nil
}

// Archive хранит все снимки диагностики в коллекции MongoDB.
type Archive struct {
	Collection *mongo.Collection
}

// NewArchive создаёт архив в указанной базе и коллекции.
func NewArchive(client *mongo.Client, database, collection string) *Archive {
	return &Archive{Collection: client.Database(database).Collection(collection)}
}

type archiveRecord struct {
	DeviceID    string                    `bson:"device_id"`
	VIN         string                    `bson:"vin"`
	ScannedAt   time.Time                 `bson:"scanned_at"`
	Diagnostics common.VehicleDiagnostics `bson:"diagnostics"`
}

var errNoCollection = errors.New("коллекция MongoDB не задана")

// InsertDiagnostics добавляет снимок в архив.
func (a *Archive) InsertDiagnostics(ctx context.Context, device common.OBDDevice, d common.VehicleDiagnostics) error {
	if a == nil || a.Collection == nil {
		return errNoCollection
	}
	_, err := a.Collection.InsertOne(ctx, archiveRecord{
		DeviceID:    device.ID,
		VIN:         d.VehicleInfo.VIN,
		ScannedAt:   time.UnixMilli(d.LastScan).UTC(),
		Diagnostics: d,
	})
	if err != nil {
		return fmt.Errorf("ошибка записи снимка в MongoDB: %w", err)
	}
	return nil
}

// Recent возвращает до limit последних снимков, начиная с самого свежего.
func (a *Archive) Recent(ctx context.Context, limit int64) ([]common.VehicleDiagnostics, error) {
	if a == nil || a.Collection == nil {
		return nil, errNoCollection
	}
	opts := options.Find().SetSort(bson.D{{Key: "scanned_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := a.Collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения архива MongoDB: %w", err)
	}
	defer cursor.Close(ctx)

	var records []archiveRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("ошибка чтения архива MongoDB: %w", err)
	}
	out := make([]common.VehicleDiagnostics, 0, len(records))
	for _, r := range records {
		out = append(out, r.Diagnostics)
	}
	return out, nil
}
