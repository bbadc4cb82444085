package middleware

import (
	"net/http"
	"strconv"

	"github.com/edirooss/tinysched/internal/sched"
	"github.com/gin-gonic/gin"
)

const ThreadIDKey = "thread_id"

// RequireValidThreadID ensures the path param ":id" is an int in
// [0, maxThreads) and stores it in the context as a sched.ThreadID.
func RequireValidThreadID(maxThreads int) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id < 0 || id >= maxThreads {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid thread id"})
			return
		}
		c.Set(ThreadIDKey, sched.ThreadID(id))
		c.Next()
	}
}

// ThreadID returns the id validated by RequireValidThreadID.
func ThreadID(c *gin.Context) sched.ThreadID {
	if v, ok := c.Get(ThreadIDKey); ok {
		if id, ok := v.(sched.ThreadID); ok {
			return id
		}
	}
	return sched.NoThread
}
